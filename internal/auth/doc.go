// Package auth gates the gRPC and HTTP surfaces behind a shared API key.
//
// With mode "apikey" every call must carry the key in the configured header
// (gRPC metadata or HTTP header). Requesting apikey mode without a key is a
// startup error. Any other mode lets everything through.
package auth
