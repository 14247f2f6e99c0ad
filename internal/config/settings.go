package config

// Settings is the runtime configuration of the telemetry pipeline. It is
// created with defaults, overlaid with the persisted blob at startup, and
// mutated through an explicit update that persists the merged result.
type Settings struct {
	Enabled               bool `json:"enabled" yaml:"enabled"`
	TrackScreenViews      bool `json:"track_screen_views" yaml:"track_screen_views"`
	TrackUserInteractions bool `json:"track_user_interactions" yaml:"track_user_interactions"`
	TrackPerformance      bool `json:"track_performance" yaml:"track_performance"`
	AnonymizeData         bool `json:"anonymize_data" yaml:"anonymize_data"`
	RetentionDays         int  `json:"retention_days" yaml:"retention_days"`
	BatchSize             int  `json:"batch_size" yaml:"batch_size"`
}

// SettingsPatch is a partial settings update; nil fields are left unchanged.
type SettingsPatch struct {
	Enabled               *bool `json:"enabled,omitempty"`
	TrackScreenViews      *bool `json:"track_screen_views,omitempty"`
	TrackUserInteractions *bool `json:"track_user_interactions,omitempty"`
	TrackPerformance      *bool `json:"track_performance,omitempty"`
	AnonymizeData         *bool `json:"anonymize_data,omitempty"`
	RetentionDays         *int  `json:"retention_days,omitempty"`
	BatchSize             *int  `json:"batch_size,omitempty"`
}

// DefaultSettings returns the pipeline defaults used when nothing is persisted.
func DefaultSettings() Settings {
	return Settings{
		Enabled:               true,
		TrackScreenViews:      true,
		TrackUserInteractions: true,
		TrackPerformance:      true,
		AnonymizeData:         true,
		RetentionDays:         90,
		BatchSize:             10,
	}
}

// Apply merges a patch into the settings and normalizes the result.
func (s Settings) Apply(p SettingsPatch) Settings {
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.TrackScreenViews != nil {
		s.TrackScreenViews = *p.TrackScreenViews
	}
	if p.TrackUserInteractions != nil {
		s.TrackUserInteractions = *p.TrackUserInteractions
	}
	if p.TrackPerformance != nil {
		s.TrackPerformance = *p.TrackPerformance
	}
	if p.AnonymizeData != nil {
		s.AnonymizeData = *p.AnonymizeData
	}
	if p.RetentionDays != nil {
		s.RetentionDays = *p.RetentionDays
	}
	if p.BatchSize != nil {
		s.BatchSize = *p.BatchSize
	}
	return s.Normalize()
}

// Normalize clamps fields to their documented bounds: retention_days >= 0 and
// batch_size >= 1.
func (s Settings) Normalize() Settings {
	if s.RetentionDays < 0 {
		s.RetentionDays = 0
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	return s
}
