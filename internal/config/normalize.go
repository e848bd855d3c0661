package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDownload()
	c.normalizeFFmpeg()
	c.normalizeJoin()
	c.normalizeTagging()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		c.Paths.OutputDir = defaultOutputDir
	}
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeDownload() {
	if c.Download.TimeoutSeconds <= 0 {
		c.Download.TimeoutSeconds = defaultDownloadTimeout
	}
	c.Download.UserAgent = strings.TrimSpace(c.Download.UserAgent)
	if c.Download.UserAgent == "" {
		c.Download.UserAgent = defaultUserAgent
	}
	if c.Download.MinFreeBytes < 0 {
		c.Download.MinFreeBytes = 0
	}
}

func (c *Config) normalizeFFmpeg() {
	c.FFmpeg.Binary = strings.TrimSpace(c.FFmpeg.Binary)
	if c.FFmpeg.Binary == "" {
		c.FFmpeg.Binary = defaultFFmpegBinary
	}
	c.FFmpeg.Encoder = strings.TrimSpace(c.FFmpeg.Encoder)
	if c.FFmpeg.Encoder == "" {
		c.FFmpeg.Encoder = defaultEncoder
	}
	if c.FFmpeg.MergeTimeoutSeconds <= 0 {
		c.FFmpeg.MergeTimeoutSeconds = defaultMergeTimeoutSeconds
	}
	if c.FFmpeg.JoinTimeoutSeconds <= 0 {
		c.FFmpeg.JoinTimeoutSeconds = defaultJoinTimeoutSeconds
	}
}

func (c *Config) normalizeJoin() {
	if c.Join.ThresholdSeconds <= 0 {
		c.Join.ThresholdSeconds = defaultJoinThresholdSeconds
	}
}

func (c *Config) normalizeTagging() {
	c.Tagging.Binary = strings.TrimSpace(c.Tagging.Binary)
	if c.Tagging.Binary == "" {
		c.Tagging.Binary = defaultTaggingBinary
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
