package boot

import (
	"strconv"

	"github.com/synthbridge/sclink/internal/config"
)

// Command derives the scsynth argument vector from configuration.
// The resource flags mirror the capacities used to size the session's
// allocators, so client and server agree on every address space.
func Command(cfg *config.Config) (string, []string, error) {
	port, err := cfg.ServerPort()
	if err != nil {
		return "", nil, err
	}

	portFlag := "-u"
	if cfg.Server.Transport == "tcp" {
		portFlag = "-t"
	}

	args := []string{
		portFlag, strconv.Itoa(port),
		"-a", strconv.Itoa(cfg.Scsynth.AudioBuses),
		"-c", strconv.Itoa(cfg.Scsynth.ControlBuses),
		"-b", strconv.Itoa(cfg.Scsynth.Buffers),
		"-n", strconv.Itoa(cfg.Scsynth.MaxNodes),
		"-d", strconv.Itoa(cfg.Scsynth.MaxSynthDefs),
		"-i", strconv.Itoa(cfg.Scsynth.Inputs),
		"-o", strconv.Itoa(cfg.Scsynth.Outputs),
	}
	args = append(args, cfg.Server.ExtraArgs...)

	return cfg.Server.Program, args, nil
}
