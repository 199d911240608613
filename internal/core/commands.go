// services/iotserver/internal/core/commands.go
package core

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ESP32Actions lists the control actions an ESP32 accepts and the parameters
// each one requires.
var ESP32Actions = map[string][]string{
	"gpio_write":     {"pin", "value"},
	"pwm_write":      {"pin", "value", "frequency"},
	"dac_write":      {"pin", "value"},
	"servo_write":    {"pin", "angle"},
	"led_control":    {"pin", "brightness"},
	"relay_control":  {"pin", "state"},
	"restart":        {},
	"deep_sleep":     {"duration"},
	"wifi_reconnect": {},
}

// MicrobitCommands lists the micro:bit commands and their parameters.
var MicrobitCommands = map[string][]string{
	"display_text":     {"text"},
	"display_icon":     {"icon"},
	"play_melody":      {"melody"},
	"set_pixel":        {"pixel_data"},
	"clear_display":    {},
	"show_temperature": {},
	"show_light":       {},
}

// CommandDescriptor is returned to the caller and describes the validated
// command. Nothing is queued for delivery.
type CommandDescriptor struct {
	CommandID  string                 `json:"command_id"`
	Name       string                 `json:"-"`
	DeviceID   string                 `json:"device_id"`
	Timestamp  time.Time              `json:"timestamp"`
	Parameters map[string]interface{} `json:"parameters"`
}

// BuildCommand validates name and params against table and returns a
// descriptor holding only the declared parameters.
func BuildCommand(table map[string][]string, deviceID, name string, params map[string]interface{}, now time.Time) (*CommandDescriptor, error) {
	required, ok := table[name]
	if !ok {
		return nil, ErrUnknownCommand.WithMessagef("Unsupported command %q. Supported: %s", name, strings.Join(commandNames(table), ", "))
	}

	selected := make(map[string]interface{}, len(required))
	for _, p := range required {
		v, present := params[p]
		if !present {
			return nil, ErrMissingParameter.WithMessagef("Missing parameter: %s", p)
		}
		selected[p] = v
	}

	return &CommandDescriptor{
		CommandID:  uuid.NewString(),
		Name:       name,
		DeviceID:   deviceID,
		Timestamp:  now,
		Parameters: selected,
	}, nil
}

func commandNames(table map[string][]string) []string {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
