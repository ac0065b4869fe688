package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// LogLevel, Heartbeat and ICEServers can be applied without a restart; every
// other change is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// HeartbeatChanged is set when the signaling heartbeat interval changed.
	// It applies to signaling clients created afterwards.
	HeartbeatChanged bool

	// ICEServersChanged is set when the ICE server list changed. It applies
	// to peer connections created afterwards.
	ICEServersChanged bool

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.HeartbeatChanged && !d.ICEServersChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Signaling.HeartbeatInterval != new.Signaling.HeartbeatInterval {
		d.HeartbeatChanged = true
	}
	if (len(old.ICEServers) > 0 || len(new.ICEServers) > 0) && !reflect.DeepEqual(old.ICEServers, new.ICEServers) {
		d.ICEServersChanged = true
	}

	// Compare the remaining sections with the hot-reloadable fields masked.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	oldSig, newSig := old.Signaling, new.Signaling
	oldSig.HeartbeatInterval, newSig.HeartbeatInterval = 0, 0

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"relay", old.Relay, new.Relay},
		{"signaling", oldSig, newSig},
		{"transport", old.Transport, new.Transport},
		{"devices", old.Devices, new.Devices},
		{"blur", old.Blur, new.Blur},
		{"transcription", old.Transcription, new.Transcription},
		{"rooms", old.Rooms, new.Rooms},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
