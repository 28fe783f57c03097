// Package config loads vrlink endpoint configuration from TOML.
//
// Keys left out of the file keep their Default values:
//
//	role = "headset"
//	device_name = "living room quest"
//	discovery_port = 9943
//	data_port = 9944
//	subnets = ["auto"]
//	discovery_interval = "1s"
//	keyframe_resend_interval = "100ms"
//	aggressive_keyframe_resend = false
//	passphrase = "shared secret"
//	log_level = "debug"
//	log_format = "json"
//	admin_addr = "127.0.0.1:9945"
//
// A Holder carries the live configuration. The keyframe interval is read
// from it on every stream start, so a reload takes effect on the next stream.
package config
