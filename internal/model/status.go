package model

import "fmt"

var terminalEventStatuses = map[EventStatus]bool{
	EventStatusCompleted: true,
	EventStatusCancelled: true,
}

// Task status transitions: TODO ↔ IN_PROGRESS → DONE, and DONE → TODO when reopened.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusTodo: {
		TaskStatusInProgress: true,
		TaskStatusDone:       true,
	},
	TaskStatusInProgress: {
		TaskStatusTodo: true,
		TaskStatusDone: true,
	},
	TaskStatusDone: {
		TaskStatusTodo: true,
	},
}

var validEventTransitions = map[EventStatus]map[EventStatus]bool{
	EventStatusScheduled: {
		EventStatusCompleted: true,
		EventStatusCancelled: true,
	},
}

func IsEventTerminal(s EventStatus) bool {
	return terminalEventStatuses[s]
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if from == to {
		return nil
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidateEventTransition(from, to EventStatus) error {
	if from == to {
		return nil
	}
	if IsEventTerminal(from) {
		return fmt.Errorf("cannot transition from terminal event status %q", from)
	}
	allowed, ok := validEventTransitions[from]
	if !ok {
		return fmt.Errorf("unknown event status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid event transition: %q → %q", from, to)
	}
	return nil
}
