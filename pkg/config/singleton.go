package config

import "sync"

// process-wide config source, the Go equivalent of the original's
// lazy_static RwLock<Box<dyn ConfigSource>>, spec §4.1.
var (
	singletonMu     sync.RWMutex
	singletonSource Source = NewCachedSource(NewDefaultFilesystemSource(nil))
)

// SetSource replaces the process-wide config source, e.g. to install an
// InitrdStateSource once the handoff file is known to exist.
func SetSource(s Source) {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	singletonSource = s
}

// GetSource returns the process-wide config source.
func GetSource() Source {
	singletonMu.RLock()
	defer singletonMu.RUnlock()
	return singletonSource
}
