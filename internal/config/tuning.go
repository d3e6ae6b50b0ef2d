package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig holds the hardware-specific thresholds and protocol timing.
// The phase and rotation cutoffs were measured against particular router
// chipsets, so they live here rather than as constants in the processing
// code. Every field is optional; the Get* accessors supply defaults.
type TuningConfig struct {
	// Conjugate multiplication params
	CMWindowSize                *int     `json:"cm_window_size,omitempty"`
	CMAverageCount              *int     `json:"cm_average_count,omitempty"`
	CMTargetAmplitudeStddev     *float64 `json:"cm_target_amplitude_stddev,omitempty"`
	CMPhaseStddevThresholdDeg   *float64 `json:"cm_phase_stddev_threshold_deg,omitempty"`
	CMPhaseStddevRatio          *float64 `json:"cm_phase_stddev_ratio,omitempty"`
	CMRotationThresholdDeg      *float64 `json:"cm_rotation_threshold_deg,omitempty"`
	CMRotationCorrectionMaxDist *float64 `json:"cm_rotation_correction_max_dist,omitempty"`
	CMAntennaPair               []int    `json:"cm_antenna_pair,omitempty"` // rx1, tx1, rx2, tx2

	// Subscription params
	SubscribeAttempts      *int    `json:"subscribe_attempts,omitempty"`
	SubscribeInterval      *string `json:"subscribe_interval,omitempty"` // duration string like "5s"
	SubscribePayloadFilter *int    `json:"subscribe_payload_filter,omitempty"`

	// Replay params
	ReplayGroupThreshold *int    `json:"replay_group_threshold,omitempty"`
	ReplayGrace          *string `json:"replay_grace,omitempty"`   // duration string like "500ms"
	ReplayQuantum        *string `json:"replay_quantum,omitempty"` // duration string like "20ms"

	// Dispatch params
	DispatchWorkers   *int `json:"dispatch_workers,omitempty"`
	DispatchQueueSize *int `json:"dispatch_queue_size,omitempty"`

	// Localisation params
	RSSIHistoryLength *int     `json:"rssi_history_length,omitempty"`
	GridStepCm        *float64 `json:"grid_step_cm,omitempty"`
	LocateInterval    *string  `json:"locate_interval,omitempty"` // duration string like "1s"

	// Periodicity params
	PeriodicityWindow  *int     `json:"periodicity_window,omitempty"`
	PeriodicityMinFreq *float64 `json:"periodicity_min_freq,omitempty"`
	PeriodicityMaxFreq *float64 `json:"periodicity_max_freq,omitempty"`
	PeriodicityHop     *int     `json:"periodicity_hop,omitempty"`

	// Activity params
	ActivityWindow      *int  `json:"activity_window,omitempty"`
	ActivityAntennaPair []int `json:"activity_antenna_pair,omitempty"` // rx1, tx1, rx2, tx2
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated with
// the value its accessor would fall back to.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		CMWindowSize:                ptrInt(150),
		CMAverageCount:              ptrInt(5),
		CMTargetAmplitudeStddev:     ptrFloat64(2000),
		CMPhaseStddevThresholdDeg:   ptrFloat64(20),
		CMPhaseStddevRatio:          ptrFloat64(0.66),
		CMRotationThresholdDeg:      ptrFloat64(60),
		CMRotationCorrectionMaxDist: ptrFloat64(1000),
		CMAntennaPair:               []int{0, 0, 1, 0},
		SubscribeAttempts:           ptrInt(10),
		SubscribeInterval:           ptrString("5s"),
		SubscribePayloadFilter:      ptrInt(0),
		ReplayGroupThreshold:        ptrInt(1),
		ReplayGrace:                 ptrString("500ms"),
		ReplayQuantum:               ptrString("20ms"),
		DispatchWorkers:             ptrInt(4),
		DispatchQueueSize:           ptrInt(256),
		RSSIHistoryLength:           ptrInt(30),
		GridStepCm:                  ptrFloat64(10),
		LocateInterval:              ptrString("1s"),
		PeriodicityWindow:           ptrInt(256),
		PeriodicityMinFreq:          ptrFloat64(0.1),
		PeriodicityMaxFreq:          ptrFloat64(1.0),
		PeriodicityHop:              ptrInt(32),
		ActivityWindow:              ptrInt(20),
		ActivityAntennaPair:         []int{0, 0, 2, 0},
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file fall back to defaults, so partial configs
// are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.CMWindowSize != nil && *c.CMWindowSize < 3 {
		return fmt.Errorf("cm_window_size must be at least 3, got %d", *c.CMWindowSize)
	}
	if c.CMAverageCount != nil {
		if *c.CMAverageCount < 1 {
			return fmt.Errorf("cm_average_count must be positive, got %d", *c.CMAverageCount)
		}
		if *c.CMAverageCount > c.GetCMWindowSize() {
			return fmt.Errorf("cm_average_count %d exceeds cm_window_size %d", *c.CMAverageCount, c.GetCMWindowSize())
		}
	}
	if c.CMTargetAmplitudeStddev != nil && *c.CMTargetAmplitudeStddev <= 0 {
		return fmt.Errorf("cm_target_amplitude_stddev must be positive, got %f", *c.CMTargetAmplitudeStddev)
	}
	if c.CMPhaseStddevRatio != nil && (*c.CMPhaseStddevRatio < 0 || *c.CMPhaseStddevRatio > 1) {
		return fmt.Errorf("cm_phase_stddev_ratio must be between 0 and 1, got %f", *c.CMPhaseStddevRatio)
	}
	if c.CMRotationThresholdDeg != nil && (*c.CMRotationThresholdDeg < 0 || *c.CMRotationThresholdDeg > 180) {
		return fmt.Errorf("cm_rotation_threshold_deg must be between 0 and 180, got %f", *c.CMRotationThresholdDeg)
	}
	if err := validatePair("cm_antenna_pair", c.CMAntennaPair); err != nil {
		return err
	}
	if err := validatePair("activity_antenna_pair", c.ActivityAntennaPair); err != nil {
		return err
	}
	if c.ActivityWindow != nil && *c.ActivityWindow < 2 {
		return fmt.Errorf("activity_window must be at least 2, got %d", *c.ActivityWindow)
	}
	if c.SubscribeAttempts != nil && *c.SubscribeAttempts < 1 {
		return fmt.Errorf("subscribe_attempts must be positive, got %d", *c.SubscribeAttempts)
	}
	if c.ReplayGroupThreshold != nil && *c.ReplayGroupThreshold < 1 {
		return fmt.Errorf("replay_group_threshold must be positive, got %d", *c.ReplayGroupThreshold)
	}
	if c.DispatchWorkers != nil && *c.DispatchWorkers < 1 {
		return fmt.Errorf("dispatch_workers must be positive, got %d", *c.DispatchWorkers)
	}
	if c.GridStepCm != nil && *c.GridStepCm <= 0 {
		return fmt.Errorf("grid_step_cm must be positive, got %f", *c.GridStepCm)
	}
	if c.PeriodicityHop != nil && *c.PeriodicityHop < 1 {
		return fmt.Errorf("periodicity_hop must be positive, got %d", *c.PeriodicityHop)
	}
	if c.PeriodicityMinFreq != nil && c.PeriodicityMaxFreq != nil && *c.PeriodicityMinFreq > *c.PeriodicityMaxFreq {
		return fmt.Errorf("periodicity_min_freq %f exceeds periodicity_max_freq %f", *c.PeriodicityMinFreq, *c.PeriodicityMaxFreq)
	}

	for name, v := range map[string]*string{
		"subscribe_interval": c.SubscribeInterval,
		"replay_grace":       c.ReplayGrace,
		"replay_quantum":     c.ReplayQuantum,
		"locate_interval":    c.LocateInterval,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	return nil
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetCMWindowSize returns the cm_window_size value or the default.
func (c *TuningConfig) GetCMWindowSize() int {
	if c.CMWindowSize == nil {
		return 150
	}
	return *c.CMWindowSize
}

// GetCMAverageCount returns the cm_average_count value or the default.
func (c *TuningConfig) GetCMAverageCount() int {
	if c.CMAverageCount == nil {
		return 5
	}
	return *c.CMAverageCount
}

// GetCMTargetAmplitudeStddev returns the cm_target_amplitude_stddev value or the default.
func (c *TuningConfig) GetCMTargetAmplitudeStddev() float64 {
	if c.CMTargetAmplitudeStddev == nil {
		return 2000
	}
	return *c.CMTargetAmplitudeStddev
}

// GetCMPhaseStddevThresholdDeg returns the cm_phase_stddev_threshold_deg value or the default.
func (c *TuningConfig) GetCMPhaseStddevThresholdDeg() float64 {
	if c.CMPhaseStddevThresholdDeg == nil {
		return 20
	}
	return *c.CMPhaseStddevThresholdDeg
}

// GetCMPhaseStddevRatio returns the cm_phase_stddev_ratio value or the default.
func (c *TuningConfig) GetCMPhaseStddevRatio() float64 {
	if c.CMPhaseStddevRatio == nil {
		return 0.66
	}
	return *c.CMPhaseStddevRatio
}

// GetCMRotationThresholdDeg returns the cm_rotation_threshold_deg value or the default.
func (c *TuningConfig) GetCMRotationThresholdDeg() float64 {
	if c.CMRotationThresholdDeg == nil {
		return 60
	}
	return *c.CMRotationThresholdDeg
}

// GetCMRotationCorrectionMaxDist returns the cm_rotation_correction_max_dist value or the default.
func (c *TuningConfig) GetCMRotationCorrectionMaxDist() float64 {
	if c.CMRotationCorrectionMaxDist == nil {
		return 1000
	}
	return *c.CMRotationCorrectionMaxDist
}

// GetSubscribeAttempts returns the subscribe_attempts value or the default.
func (c *TuningConfig) GetSubscribeAttempts() int {
	if c.SubscribeAttempts == nil {
		return 10
	}
	return *c.SubscribeAttempts
}

// GetSubscribeInterval parses and returns the SubscribeInterval as a time.Duration.
func (c *TuningConfig) GetSubscribeInterval() time.Duration {
	return parseDurationOr(c.SubscribeInterval, 5*time.Second)
}

// GetSubscribePayloadFilter returns the subscribe_payload_filter value or the default.
func (c *TuningConfig) GetSubscribePayloadFilter() int {
	if c.SubscribePayloadFilter == nil {
		return 0
	}
	return *c.SubscribePayloadFilter
}

// GetReplayGroupThreshold returns the replay_group_threshold value or the default.
func (c *TuningConfig) GetReplayGroupThreshold() int {
	if c.ReplayGroupThreshold == nil {
		return 1
	}
	return *c.ReplayGroupThreshold
}

// GetReplayGrace parses and returns the ReplayGrace as a time.Duration.
func (c *TuningConfig) GetReplayGrace() time.Duration {
	return parseDurationOr(c.ReplayGrace, 500*time.Millisecond)
}

// GetReplayQuantum parses and returns the ReplayQuantum as a time.Duration.
func (c *TuningConfig) GetReplayQuantum() time.Duration {
	return parseDurationOr(c.ReplayQuantum, 20*time.Millisecond)
}

// GetDispatchWorkers returns the dispatch_workers value or the default.
func (c *TuningConfig) GetDispatchWorkers() int {
	if c.DispatchWorkers == nil {
		return 4
	}
	return *c.DispatchWorkers
}

// GetDispatchQueueSize returns the dispatch_queue_size value or the default.
func (c *TuningConfig) GetDispatchQueueSize() int {
	if c.DispatchQueueSize == nil {
		return 256
	}
	return *c.DispatchQueueSize
}

// GetRSSIHistoryLength returns the rssi_history_length value or the default.
func (c *TuningConfig) GetRSSIHistoryLength() int {
	if c.RSSIHistoryLength == nil {
		return 30
	}
	return *c.RSSIHistoryLength
}

// GetGridStepCm returns the grid_step_cm value or the default.
func (c *TuningConfig) GetGridStepCm() float64 {
	if c.GridStepCm == nil {
		return 10
	}
	return *c.GridStepCm
}

// GetPeriodicityWindow returns the periodicity_window value or the default.
func (c *TuningConfig) GetPeriodicityWindow() int {
	if c.PeriodicityWindow == nil {
		return 256
	}
	return *c.PeriodicityWindow
}

// GetPeriodicityMinFreq returns the periodicity_min_freq value or the default.
func (c *TuningConfig) GetPeriodicityMinFreq() float64 {
	if c.PeriodicityMinFreq == nil {
		return 0.1
	}
	return *c.PeriodicityMinFreq
}

// GetPeriodicityMaxFreq returns the periodicity_max_freq value or the default.
func (c *TuningConfig) GetPeriodicityMaxFreq() float64 {
	if c.PeriodicityMaxFreq == nil {
		return 1.0
	}
	return *c.PeriodicityMaxFreq
}

// GetCMAntennaPair returns the cm_antenna_pair value (rx1, tx1, rx2, tx2) or
// the default of the first two receive chains of transmit chain 0.
func (c *TuningConfig) GetCMAntennaPair() [4]int {
	if len(c.CMAntennaPair) != 4 {
		return [4]int{0, 0, 1, 0}
	}
	return [4]int(c.CMAntennaPair)
}

// GetActivityWindow returns the activity_window value or the default.
func (c *TuningConfig) GetActivityWindow() int {
	if c.ActivityWindow == nil {
		return 20
	}
	return *c.ActivityWindow
}

// GetActivityAntennaPair returns the activity_antenna_pair value (rx1, tx1,
// rx2, tx2) or the default of receive chains 0 and 2 of transmit chain 0.
func (c *TuningConfig) GetActivityAntennaPair() [4]int {
	if len(c.ActivityAntennaPair) != 4 {
		return [4]int{0, 0, 2, 0}
	}
	return [4]int(c.ActivityAntennaPair)
}

// GetLocateInterval returns the locate_interval value or the default.
func (c *TuningConfig) GetLocateInterval() time.Duration {
	return parseDurationOr(c.LocateInterval, time.Second)
}

// GetPeriodicityHop returns the periodicity_hop value or the default.
func (c *TuningConfig) GetPeriodicityHop() int {
	if c.PeriodicityHop == nil {
		return 32
	}
	return *c.PeriodicityHop
}

// validatePair checks an (rx1, tx1, rx2, tx2) antenna pair; nil is valid.
func validatePair(name string, p []int) error {
	if p == nil {
		return nil
	}
	if len(p) != 4 {
		return fmt.Errorf("%s must hold rx1, tx1, rx2, tx2, got %d values", name, len(p))
	}
	for _, v := range p {
		if v < 0 {
			return fmt.Errorf("%s indices must be non-negative, got %v", name, p)
		}
	}
	if p[0] == p[2] && p[1] == p[3] {
		return fmt.Errorf("%s must name two different paths, got %v", name, p)
	}
	return nil
}
