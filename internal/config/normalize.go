package config

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	def := Default()

	if cfg.ReadTimeoutS == 0 {
		cfg.ReadTimeoutS = def.ReadTimeoutS
	}
	if cfg.Display.Driver == "" {
		cfg.Display.Driver = DriverGC9307
	}
	if cfg.SPI.SpeedKHz == 0 {
		cfg.SPI.SpeedKHz = def.SPI.SpeedKHz
	}

	// Empty asset names and zero limits fall back to the defaults; a zero
	// limit would reject every upload.
	if cfg.Storage.StillFile == "" {
		cfg.Storage.StillFile = def.Storage.StillFile
	}
	if cfg.Storage.AnimationFile == "" {
		cfg.Storage.AnimationFile = def.Storage.AnimationFile
	}
	if cfg.Storage.StillLimitBytes == 0 {
		cfg.Storage.StillLimitBytes = def.Storage.StillLimitBytes
	}
	if cfg.Storage.AnimationLimitBytes == 0 {
		cfg.Storage.AnimationLimitBytes = def.Storage.AnimationLimitBytes
	}

	if cfg.Animation.MinFrameDelayMs == 0 {
		cfg.Animation.MinFrameDelayMs = def.Animation.MinFrameDelayMs
	}
	if cfg.Network.IntervalS == 0 {
		cfg.Network.IntervalS = def.Network.IntervalS
	}
	if cfg.Button.DebounceMs == 0 {
		cfg.Button.DebounceMs = def.Button.DebounceMs
	}
}
