package config

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaults registers every key so file values and environment overrides can be decoded.
// The values reproduce the Challawa line 7 controller (DB39, two pumps).
func setDefaults(v *viper.Viper) {
	v.SetDefault("plc_address", "192.168.200.20")
	v.SetDefault("plc_rack", 0)
	v.SetDefault("plc_slot", 1)
	v.SetDefault("db_number", 39)
	v.SetDefault("poll_interval_ms", 500)
	v.SetDefault("unit_count", 2)

	v.SetDefault("unit_names", []string{"LINE 7 MIXER", "LINE 7 AHU/SYRUP ROOM"})

	v.SetDefault("plc.read_timeout", 5*time.Second)
	v.SetDefault("plc.idle_timeout", 70*time.Second)
	v.SetDefault("plc.block_offset", 0)
	v.SetDefault("plc.block_length", 0)
	v.SetDefault("plc.reconnect_min", 500*time.Millisecond)
	v.SetDefault("plc.reconnect_max", 30*time.Second)
	v.SetDefault("plc.max_decode_errors", 3)

	// Per unit: status byte at +0, REALs at +2, +6 and +10.
	v.SetDefault("plc.layout.stride", 14)
	v.SetDefault("plc.layout.status_offset", 0)
	v.SetDefault("plc.layout.pressure_offset", 2)
	v.SetDefault("plc.layout.setpoint_offset", 6)
	v.SetDefault("plc.layout.speed_offset", 10)
	v.SetDefault("plc.layout.alarm_byte", 0)
	v.SetDefault("plc.layout.alarm_bit", 0)
	v.SetDefault("plc.layout.bits", []map[string]interface{}{
		{"ready": 1, "running": 2, "trip": 3},
		{"ready": 1, "running": 0, "trip": 2},
	})

	v.SetDefault("server.port", 5050)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("store.path", "pump_reports.db")
	v.SetDefault("store.queue_size", 1024)
	v.SetDefault("store.retry_budget", 30*time.Second)
	v.SetDefault("store.retry_interval", 5*time.Second)

	v.SetDefault("hub.queue_size", 64)
	v.SetDefault("hub.min_snapshot_interval", 100*time.Millisecond)

	v.SetDefault("health.lookback", 7*24*time.Hour)
	v.SetDefault("health.curve", "exponential")
	v.SetDefault("health.trip_scale", 20.0)
	v.SetDefault("health.downtime_scale", 24*time.Hour)
	v.SetDefault("health.broadcast_interval", time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "challawa")
	v.SetDefault("redis.max_trips", 1000)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "challawa-monitor")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "challawa/pumps")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.timeout", 5*time.Second)

	v.SetDefault("discovery.enabled", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "logs")
}
