package cli

import (
	"context"
	"errors"
	"testing"

	"github.com/citadelzt/citadel/device"
	"github.com/citadelzt/citadel/testutil"
)

type fakeDeviceRegistry struct {
	fingerprint *device.Fingerprint
	validation  *device.ValidationResult
	err         error

	registered *device.RegistrationInput
	validated  string
	blocked    string
}

func (f *fakeDeviceRegistry) Register(ctx context.Context, input device.RegistrationInput) (*device.Fingerprint, error) {
	f.registered = &input
	return f.fingerprint, f.err
}

func (f *fakeDeviceRegistry) Validate(ctx context.Context, principalID string, chars device.Characteristics) (*device.ValidationResult, error) {
	f.validated = principalID
	return f.validation, f.err
}

func (f *fakeDeviceRegistry) Block(ctx context.Context, deviceID string) error {
	f.blocked = deviceID
	return f.err
}

func testCharacteristics() device.Characteristics {
	return device.Characteristics{
		Canvas: device.CanvasCharacteristics{Hash: "canvas-hash", Confidence: 100},
		Audio:  device.AudioCharacteristics{Hash: "audio-hash"},
		Screen: device.ScreenCharacteristics{Width: 2560, Height: 1440},
		System: device.SystemCharacteristics{Platform: "linux"},
	}
}

func TestDeviceRegisterCommand(t *testing.T) {
	registry := &fakeDeviceRegistry{
		fingerprint: testutil.MakeFingerprint(testPrincipalID),
	}

	err := DeviceRegisterCommand(context.Background(), DeviceRegisterCommandInput{
		PrincipalID: testPrincipalID,
		MFAVerified: true,
		Registry:    registry,
		Collector:   device.NewStaticCollector(testCharacteristics()),
	})
	if err != nil {
		t.Fatalf("DeviceRegisterCommand() = %v", err)
	}

	if registry.registered == nil {
		t.Fatal("Register was not called")
	}
	if registry.registered.PrincipalID != testPrincipalID {
		t.Errorf("PrincipalID = %q", registry.registered.PrincipalID)
	}
	if !registry.registered.MFAVerified {
		t.Error("MFAVerified not forwarded")
	}
	if registry.registered.Characteristics.Canvas.Hash != "canvas-hash" {
		t.Errorf("Characteristics not forwarded: %+v", registry.registered.Characteristics)
	}
}

func TestDeviceRegisterCommandRejectsBadPrincipal(t *testing.T) {
	err := DeviceRegisterCommand(context.Background(), DeviceRegisterCommandInput{
		PrincipalID: "nope",
		Registry:    &fakeDeviceRegistry{},
		Collector:   device.NewStaticCollector(testCharacteristics()),
	})
	if err == nil {
		t.Fatal("DeviceRegisterCommand() = nil, want error")
	}
}

func TestDeviceValidateCommand(t *testing.T) {
	registry := &fakeDeviceRegistry{
		validation: &device.ValidationResult{Approved: true, Similarity: 96},
	}

	err := DeviceValidateCommand(context.Background(), DeviceValidateCommandInput{
		PrincipalID: testPrincipalID,
		Registry:    registry,
		Collector:   device.NewStaticCollector(testCharacteristics()),
	})
	if err != nil {
		t.Fatalf("DeviceValidateCommand() = %v", err)
	}
	if registry.validated != testPrincipalID {
		t.Errorf("validated principal = %q", registry.validated)
	}
}

func TestDeviceListCommand(t *testing.T) {
	store := testutil.NewMockDeviceStore()
	fp := testutil.MakeFingerprint(testPrincipalID)
	if err := store.Create(context.Background(), fp); err != nil {
		t.Fatal(err)
	}

	err := DeviceListCommand(context.Background(), DeviceListCommandInput{
		PrincipalID: testPrincipalID,
		Limit:       10,
		Store:       store,
	})
	if err != nil {
		t.Fatalf("DeviceListCommand() = %v", err)
	}
	if len(store.ListByPrincipalCalls) != 1 {
		t.Errorf("ListByPrincipal called %d times, want 1", len(store.ListByPrincipalCalls))
	}
}

func TestDeviceBlockCommand(t *testing.T) {
	registry := &fakeDeviceRegistry{}

	err := DeviceBlockCommand(context.Background(), DeviceBlockCommandInput{
		DeviceID: "device-1",
		Registry: registry,
	})
	if err != nil {
		t.Fatalf("DeviceBlockCommand() = %v", err)
	}
	if registry.blocked != "device-1" {
		t.Errorf("blocked = %q", registry.blocked)
	}
}

func TestDeviceBlockCommandPropagatesErrors(t *testing.T) {
	registry := &fakeDeviceRegistry{err: errors.New("not found")}

	err := DeviceBlockCommand(context.Background(), DeviceBlockCommandInput{
		DeviceID: "device-1",
		Registry: registry,
	})
	if err == nil {
		t.Fatal("DeviceBlockCommand() = nil, want error")
	}
}
