package yaml

import (
	"fmt"
	"os"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/ptm/internal/model"
)

// ScheduleExport is a human-readable snapshot of the calendar.
type ScheduleExport struct {
	SchemaHeader `yaml:",inline"`
	GeneratedAt  string          `yaml:"generated_at"`
	From         string          `yaml:"from"`
	To           string          `yaml:"to"`
	Events       []ExportedEvent `yaml:"events"`
}

type ExportedEvent struct {
	ID      string  `yaml:"id"`
	TaskID  string  `yaml:"task_id"`
	Title   string  `yaml:"title,omitempty"`
	Date    string  `yaml:"date"`
	Start   string  `yaml:"start"`
	End     string  `yaml:"end"`
	Part    string  `yaml:"part,omitempty"` // "2/3" for split tasks
	Pinned  bool    `yaml:"pinned"`
	Status  string  `yaml:"status"`
	Utility float64 `yaml:"utility"`
	Reason  string  `yaml:"reason,omitempty"`
}

// NewScheduleExport converts events into export form. titles maps task ids
// to titles and may be nil.
func NewScheduleExport(r model.DateRange, events []model.ScheduleEvent, titles map[string]string, now time.Time) ScheduleExport {
	out := ScheduleExport{
		SchemaHeader: newHeader(KindScheduleExport),
		GeneratedAt:  now.UTC().Format(time.RFC3339),
		From:         model.TruncateDay(r.Start).Format(time.DateOnly),
		To:           model.TruncateDay(r.End).Format(time.DateOnly),
		Events:       make([]ExportedEvent, 0, len(events)),
	}
	for _, e := range events {
		ex := ExportedEvent{
			ID:      e.ID,
			TaskID:  e.SourceTaskID,
			Title:   titles[e.SourceTaskID],
			Date:    time.UnixMilli(e.DateMs).UTC().Format(time.DateOnly),
			Start:   clock(e.StartMin),
			End:     clock(e.EndMin),
			Pinned:  e.IsManualOverride,
			Status:  string(e.Status),
			Utility: e.Utility,
			Reason:  e.UtilityBreakdown.Reason,
		}
		if e.TotalParts > 1 {
			ex.Part = fmt.Sprintf("%d/%d", e.TaskPart, e.TotalParts)
		}
		out.Events = append(out.Events, ex)
	}
	return out
}

func clock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// WriteScheduleExport replaces path with ex. Exports are derived, so no
// backup is kept.
func WriteScheduleExport(path string, ex ScheduleExport) error {
	comment := fmt.Sprintf("ptm schedule %s..%s", ex.From, ex.To)
	return writeYAML(path, ex, comment, discardPrevious)
}

func ReadScheduleExport(path string) (ScheduleExport, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return ScheduleExport{}, fmt.Errorf("read export: %w", err)
	}
	if _, err := readHeader(content, KindScheduleExport); err != nil {
		return ScheduleExport{}, fmt.Errorf("%s: %w", path, err)
	}
	var ex ScheduleExport
	if err := yamlv3.Unmarshal(content, &ex); err != nil {
		return ScheduleExport{}, fmt.Errorf("parse export: %w", err)
	}
	return ex, nil
}
