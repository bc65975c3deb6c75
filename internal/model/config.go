package model

type Config struct {
	Project    ProjectConfig    `yaml:"project"`
	PTM        PTMConfig        `yaml:"ptm"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Store      StoreConfig      `yaml:"store"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type PTMConfig struct {
	Version     string `yaml:"version"`
	Created     string `yaml:"created"`
	ProjectRoot string `yaml:"project_root"`
}

type SchedulingConfig struct {
	DefaultAlgorithm AlgorithmType `yaml:"default_algorithm"`
	Goals            Goals         `yaml:"goals"`
	Constraints      Constraints   `yaml:"constraints"`
	WorkdayStartHour int           `yaml:"workday_start_hour"`
	WorkdayEndHour   int           `yaml:"workday_end_hour"`
	MinSlotMinutes   int           `yaml:"min_slot_minutes"`
	MinSplitMinutes  int           `yaml:"min_split_minutes"`
	SnapMinutes      int           `yaml:"snap_minutes"`
	HybridIterations int           `yaml:"hybrid_iterations"`
	ExactNodeBudget  int           `yaml:"exact_node_budget"`
	HorizonDays      int           `yaml:"horizon_days"`
	ReoptimizeCron   string        `yaml:"reoptimize_cron"` // empty disables periodic runs
}

type StoreConfig struct {
	Path string `yaml:"path"` // relative paths resolve against .ptm/
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	ConnTimeoutSec     int `yaml:"conn_timeout_sec"`
	ConfirmTimeoutSec  int `yaml:"confirm_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig is the configuration used when config.yaml is missing or
// unrecoverable.
func DefaultConfig() Config {
	return Config{
		PTM:        PTMConfig{Version: "1"},
		Scheduling: DefaultSchedulingConfig(),
		Store:      StoreConfig{Path: "ptm.db"},
		Daemon: DaemonConfig{
			ShutdownTimeoutSec: 10,
			ConnTimeoutSec:     30,
			ConfirmTimeoutSec:  10,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// DefaultSchedulingConfig mirrors templates/config.yaml.
func DefaultSchedulingConfig() SchedulingConfig {
	return SchedulingConfig{
		DefaultAlgorithm: AlgorithmHybrid,
		Goals:            DefaultGoals(),
		Constraints: Constraints{
			RespectFocusBlocks: true,
			NoTasksBeforeHour:  8,
			MaxHoursPerDay:     8,
			AllowWeekends:      false,
		},
		WorkdayStartHour: 9,
		WorkdayEndHour:   17,
		MinSlotMinutes:   15,
		MinSplitMinutes:  30,
		SnapMinutes:      15,
		HybridIterations: 200,
		ExactNodeBudget:  200000,
		HorizonDays:      7,
	}
}

// WithDefaults fills zero values with DefaultSchedulingConfig values.
// Boolean constraints are taken as written.
func (s SchedulingConfig) WithDefaults() SchedulingConfig {
	d := DefaultSchedulingConfig()
	if s.DefaultAlgorithm == "" {
		s.DefaultAlgorithm = d.DefaultAlgorithm
	}
	if s.Goals == (Goals{}) {
		s.Goals = d.Goals
	}
	if s.Constraints.MaxHoursPerDay == 0 {
		s.Constraints.MaxHoursPerDay = d.Constraints.MaxHoursPerDay
	}
	if s.WorkdayEndHour == 0 {
		s.WorkdayStartHour = d.WorkdayStartHour
		s.WorkdayEndHour = d.WorkdayEndHour
	}
	if s.MinSlotMinutes <= 0 {
		s.MinSlotMinutes = d.MinSlotMinutes
	}
	if s.MinSplitMinutes <= 0 {
		s.MinSplitMinutes = d.MinSplitMinutes
	}
	if s.SnapMinutes <= 0 {
		s.SnapMinutes = d.SnapMinutes
	}
	if s.HybridIterations <= 0 {
		s.HybridIterations = d.HybridIterations
	}
	if s.ExactNodeBudget <= 0 {
		s.ExactNodeBudget = d.ExactNodeBudget
	}
	if s.HorizonDays <= 0 {
		s.HorizonDays = d.HorizonDays
	}
	return s
}
