// Package config loads and watches the spinspeeder configuration file.
//
// Top-level types:
//   - Config{LogLevel, Ingest, Display, Server, Archive}: full tree parsed from YAML
//   - IngestConfig: frame_rate, speed_per_frame, replay_file, replay_loop
//   - DisplayConfig: speed_factor, speed_unit, broadcast_interval
//   - ServerConfig: http_port, grpc_port, auth (mode none|apikey, header, key_env)
//   - ArchiveConfig: path of the SQLite summary archive (empty disables it)
//
// Load(path) reads the YAML file over Default() (30 fps, factor 0.01 m/s,
// 1s broadcast, ports 8080/50051) and validates ranges and enums.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. Only the display settings and
// log_level are meant to be applied live; the caller decides.
package config
