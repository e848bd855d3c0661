package config

const (
	defaultOutputDir            = "~/memories"
	defaultLogDir               = "~/.local/share/memento/logs"
	defaultDownloadTimeout      = 30
	defaultUserAgent            = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
	defaultJoinThresholdSeconds = 10
	defaultFFmpegBinary         = "ffmpeg"
	defaultEncoder              = "libx264"
	defaultMergeTimeoutSeconds  = 600
	defaultJoinTimeoutSeconds   = 300
	defaultTaggingBinary        = "exiftool"
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			OutputDir: defaultOutputDir,
			LogDir:    defaultLogDir,
		},
		Download: Download{
			TimeoutSeconds: defaultDownloadTimeout,
			UserAgent:      defaultUserAgent,
		},
		Overlays: Overlays{
			Merge:      true,
			DeferVideo: true,
		},
		Join: Join{
			ThresholdSeconds: defaultJoinThresholdSeconds,
		},
		FFmpeg: FFmpeg{
			Binary:              defaultFFmpegBinary,
			Encoder:             defaultEncoder,
			MergeTimeoutSeconds: defaultMergeTimeoutSeconds,
			JoinTimeoutSeconds:  defaultJoinTimeoutSeconds,
		},
		Tagging: Tagging{
			Enabled: true,
			Binary:  defaultTaggingBinary,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
