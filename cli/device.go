package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/citadelzt/citadel/device"
	"github.com/citadelzt/citadel/principal"
)

// deviceRegistry covers the registry operations the device commands use.
type deviceRegistry interface {
	Register(ctx context.Context, input device.RegistrationInput) (*device.Fingerprint, error)
	Validate(ctx context.Context, principalID string, chars device.Characteristics) (*device.ValidationResult, error)
	Block(ctx context.Context, deviceID string) error
}

// DeviceSummary is one device in the list output.
type DeviceSummary struct {
	ID             string    `json:"id"`
	Hash           string    `json:"fingerprint_hash"`
	TrustScore     int       `json:"trust_score"`
	Status         string    `json:"status"`
	MFAVerified    bool      `json:"mfa_verified"`
	Warnings       []string  `json:"warnings,omitempty"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastVerifiedAt time.Time `json:"last_verified_at"`
}

// DeviceRegisterCommandInput contains the input for the device register
// command.
type DeviceRegisterCommandInput struct {
	PrincipalID string
	MFAVerified bool

	App *Citadel

	// Registry is an optional registry implementation for testing.
	// If nil, a registry over the DynamoDB stores is created.
	Registry deviceRegistry

	// Collector is an optional characteristics source for testing.
	// If nil, this machine is fingerprinted.
	Collector device.Collector
}

// DeviceValidateCommandInput contains the input for the device validate
// command.
type DeviceValidateCommandInput struct {
	PrincipalID string

	App       *Citadel
	Registry  deviceRegistry
	Collector device.Collector
}

// DeviceListCommandInput contains the input for the device list command.
type DeviceListCommandInput struct {
	PrincipalID string
	Limit       int

	App *Citadel

	// Store is an optional Store implementation for testing.
	// If nil, a DynamoDB store will be created from the configuration.
	Store device.Store
}

// DeviceBlockCommandInput contains the input for the device block
// command.
type DeviceBlockCommandInput struct {
	DeviceID string

	App      *Citadel
	Registry deviceRegistry
}

// ConfigureDeviceCommands sets up the device command group with kingpin.
func ConfigureDeviceCommands(app *kingpin.Application, c *Citadel) {
	cmd := app.Command("device", "Manage device fingerprints")

	registerInput := DeviceRegisterCommandInput{}
	register := cmd.Command("register", "Register this machine as a trusted device")
	register.Flag("principal", "Owning principal ID").
		Required().
		StringVar(&registerInput.PrincipalID)
	register.Flag("mfa-verified", "The registration was MFA-verified, permitting devices beyond the cap").
		BoolVar(&registerInput.MFAVerified)
	register.Action(func(pc *kingpin.ParseContext) error {
		registerInput.App = c
		err := DeviceRegisterCommand(context.Background(), registerInput)
		app.FatalIfError(err, "device register")
		return nil
	})

	validateInput := DeviceValidateCommandInput{}
	validate := cmd.Command("validate", "Validate this machine against the principal's registered devices")
	validate.Flag("principal", "Principal ID to validate against").
		Required().
		StringVar(&validateInput.PrincipalID)
	validate.Action(func(pc *kingpin.ParseContext) error {
		validateInput.App = c
		err := DeviceValidateCommand(context.Background(), validateInput)
		app.FatalIfError(err, "device validate")
		return nil
	})

	listInput := DeviceListCommandInput{}
	list := cmd.Command("list", "List a principal's registered devices")
	list.Flag("principal", "Principal ID to list devices for").
		Required().
		StringVar(&listInput.PrincipalID)
	list.Flag("limit", "Maximum number of devices to return").
		Default("100").
		IntVar(&listInput.Limit)
	list.Action(func(pc *kingpin.ParseContext) error {
		listInput.App = c
		err := DeviceListCommand(context.Background(), listInput)
		app.FatalIfError(err, "device list")
		return nil
	})

	blockInput := DeviceBlockCommandInput{}
	block := cmd.Command("block", "Block a device so validations against it fail")
	block.Arg("device-id", "The device ID to block").
		Required().
		StringVar(&blockInput.DeviceID)
	block.Action(func(pc *kingpin.ParseContext) error {
		blockInput.App = c
		err := DeviceBlockCommand(context.Background(), blockInput)
		app.FatalIfError(err, "device block")
		return nil
	})
}

// DeviceRegisterCommand fingerprints the local machine and registers it
// for the principal.
func DeviceRegisterCommand(ctx context.Context, input DeviceRegisterCommandInput) error {
	if !principal.ValidatePrincipalID(input.PrincipalID) {
		return fmt.Errorf("invalid principal ID %q", input.PrincipalID)
	}

	chars, err := collectCharacteristics(ctx, input.Collector)
	if err != nil {
		return err
	}

	registry, err := resolveRegistry(ctx, input.Registry, input.App)
	if err != nil {
		return err
	}

	fp, err := registry.Register(ctx, device.RegistrationInput{
		PrincipalID:     input.PrincipalID,
		Characteristics: *chars,
		MFAVerified:     input.MFAVerified,
	})
	if err != nil {
		return err
	}
	return printJSON(deviceSummary(fp))
}

// DeviceValidateCommand fingerprints the local machine and reports the
// best match among the principal's registered devices.
func DeviceValidateCommand(ctx context.Context, input DeviceValidateCommandInput) error {
	if !principal.ValidatePrincipalID(input.PrincipalID) {
		return fmt.Errorf("invalid principal ID %q", input.PrincipalID)
	}

	chars, err := collectCharacteristics(ctx, input.Collector)
	if err != nil {
		return err
	}

	registry, err := resolveRegistry(ctx, input.Registry, input.App)
	if err != nil {
		return err
	}

	result, err := registry.Validate(ctx, input.PrincipalID, *chars)
	if err != nil {
		return err
	}
	return printJSON(result)
}

// DeviceListCommand lists a principal's registered devices.
func DeviceListCommand(ctx context.Context, input DeviceListCommandInput) error {
	if !principal.ValidatePrincipalID(input.PrincipalID) {
		return fmt.Errorf("invalid principal ID %q", input.PrincipalID)
	}

	store := input.Store
	if store == nil {
		var err error
		store, err = input.App.DeviceStore(ctx)
		if err != nil {
			return err
		}
	}

	devices, err := store.ListByPrincipal(ctx, input.PrincipalID, input.Limit)
	if err != nil {
		return err
	}

	summaries := make([]DeviceSummary, 0, len(devices))
	for _, fp := range devices {
		summaries = append(summaries, *deviceSummary(fp))
	}
	return printJSON(summaries)
}

// DeviceBlockCommand blocks a device.
func DeviceBlockCommand(ctx context.Context, input DeviceBlockCommandInput) error {
	registry, err := resolveRegistry(ctx, input.Registry, input.App)
	if err != nil {
		return err
	}
	if err := registry.Block(ctx, input.DeviceID); err != nil {
		return err
	}
	fmt.Printf("Blocked device %s\n", input.DeviceID)
	return nil
}

func collectCharacteristics(ctx context.Context, collector device.Collector) (*device.Characteristics, error) {
	if collector == nil {
		collector = device.NewLocalCollector("cli")
	}
	chars, err := collector.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collecting device characteristics: %w", err)
	}
	return chars, nil
}

func resolveRegistry(ctx context.Context, registry deviceRegistry, app *Citadel) (deviceRegistry, error) {
	if registry != nil {
		return registry, nil
	}
	return app.DeviceRegistry(ctx)
}

func deviceSummary(fp *device.Fingerprint) *DeviceSummary {
	return &DeviceSummary{
		ID:             fp.ID,
		Hash:           fp.Hash,
		TrustScore:     fp.TrustScore,
		Status:         string(fp.Status),
		MFAVerified:    fp.MFAVerified,
		Warnings:       fp.Warnings,
		RegisteredAt:   fp.RegisteredAt,
		LastVerifiedAt: fp.LastVerifiedAt,
	}
}
