// Package setupwizard provides an interactive first-run prompt that
// produces a router config.Config without the operator hand-writing
// YAML.
package setupwizard

import (
	"fmt"
	"net"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/badscrew/selfproxy-sub003/internal/config"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	noteStyle   = lipgloss.NewStyle().Faint(true)
)

// Run walks the operator through the settings that matter most when
// standing up a new router instance, seeded from an existing config
// (or config.Default() for a first run), and returns the result.
// It returns the unchanged seed if the operator aborts the form.
func Run(seed *config.Config) (*config.Config, error) {
	fmt.Println(headerStyle.Render("selfproxy-sub003 setup"))
	fmt.Println(noteStyle.Render("Answer a few questions to produce a starting config.yaml."))
	fmt.Println()

	cfg := *seed // shallow copy; form fields write into the copy's scalars

	logLevel := cfg.Log.Level
	logFormat := cfg.Log.Format
	socksAddr := cfg.SOCKS5.Address
	udpAssociate := cfg.SOCKS5.UDPAssociateEnabled
	tcpCap := strconv.Itoa(cfg.Table.TCPCapacity)
	udpCap := strconv.Itoa(cfg.Table.UDPCapacity)
	metricsEnabled := cfg.Metrics.Enabled
	metricsAddr := cfg.Metrics.Address

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("SOCKS5 proxy address").
				Description("host:port of the upstream SOCKS5 proxy all traffic tunnels through").
				Value(&socksAddr).
				Validate(validateHostPort),

			huh.NewConfirm().
				Title("Request UDP ASSOCIATE for non-DNS UDP traffic?").
				Description("if the proxy refuses it, the router falls back to dropping non-DNS UDP").
				Value(&udpAssociate),
		),

		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Log level").
				Options(
					huh.NewOption("debug", "debug"),
					huh.NewOption("info", "info"),
					huh.NewOption("warn", "warn"),
					huh.NewOption("error", "error"),
				).
				Value(&logLevel),

			huh.NewSelect[string]().
				Title("Log format").
				Options(
					huh.NewOption("text", "text"),
					huh.NewOption("json", "json"),
				).
				Value(&logFormat),
		),

		huh.NewGroup(
			huh.NewInput().
				Title("Max tracked TCP flows").
				Value(&tcpCap).
				Validate(validatePositiveInt),

			huh.NewInput().
				Title("Max tracked UDP flows").
				Value(&udpCap).
				Validate(validatePositiveInt),
		),

		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the Prometheus metrics endpoint?").
				Value(&metricsEnabled),

			huh.NewInput().
				Title("Metrics listen address").
				Value(&metricsAddr).
				Validate(func(s string) error {
					if metricsEnabled {
						return validateHostPort(s)
					}
					return nil
				}),
		),
	)

	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			return seed, nil
		}
		return nil, fmt.Errorf("setupwizard: %w", err)
	}

	cfg.Log.Level = logLevel
	cfg.Log.Format = logFormat
	cfg.SOCKS5.Address = socksAddr
	cfg.SOCKS5.UDPAssociateEnabled = udpAssociate
	cfg.Metrics.Enabled = metricsEnabled
	cfg.Metrics.Address = metricsAddr

	if n, err := strconv.Atoi(tcpCap); err == nil {
		cfg.Table.TCPCapacity = n
	}
	if n, err := strconv.Atoi(udpCap); err == nil {
		cfg.Table.UDPCapacity = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("setupwizard: produced an invalid config: %w", err)
	}

	fmt.Println()
	fmt.Println(noteStyle.Render(cfg.Redacted().String()))

	return &cfg, nil
}

func validateHostPort(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port): %w", err)
	}
	return nil
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if n <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}
