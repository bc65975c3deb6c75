package model

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeTask       IDType = "task"
	IDTypeDependency IDType = "dep"
	IDTypeEvent      IDType = "evt"
	IDTypeFocusBlock IDType = "focus"
)

var validIDTypes = map[IDType]bool{
	IDTypeTask:       true,
	IDTypeDependency: true,
	IDTypeEvent:      true,
	IDTypeFocusBlock: true,
}

var idRegex = regexp.MustCompile(`^(task|dep|evt|focus)_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// eventNamespace seeds deterministic event ids so identical scheduler runs
// produce identical output.
var eventNamespace = uuid.MustParse("6f1c2b7e-3d4a-4e9b-9a57-2c0d8e1f4b6a")

func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate uuid: %w", err)
	}
	return fmt.Sprintf("%s_%s", idType, u), nil
}

// PlacementEventID derives a stable event id from the placement it describes.
func PlacementEventID(taskID string, dateMs int64, startMin, part int) string {
	name := fmt.Sprintf("%s/%d/%d/%d", taskID, dateMs, startMin, part)
	return fmt.Sprintf("%s_%s", IDTypeEvent, uuid.NewSHA1(eventNamespace, []byte(name)))
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	return IDType(match[1]), nil
}
