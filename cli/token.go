package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/citadelzt/citadel/identity"
	"github.com/citadelzt/citadel/principal"
)

// TokenCommandInput contains the input for the token command.
type TokenCommandInput struct {
	PrincipalID string
	Role        string
	TTL         time.Duration
	MFAVerified bool

	App *Citadel

	// Keys is an optional keyset for testing.
	// If nil, the keyset is built from the CITADEL_TOKEN_KEY secret.
	Keys *identity.Keyset
}

// ConfigureTokenCommand sets up the token command with kingpin.
func ConfigureTokenCommand(app *kingpin.Application, c *Citadel) {
	input := TokenCommandInput{}

	cmd := app.Command("token", "Issue a locally signed bearer token for a principal")

	cmd.Flag("principal", "Principal ID the token asserts").
		Required().
		StringVar(&input.PrincipalID)

	cmd.Flag("role", "Role claim placed on the token").
		Required().
		StringVar(&input.Role)

	cmd.Flag("ttl", "Token lifetime").
		Default("8h").
		DurationVar(&input.TTL)

	cmd.Flag("mfa", "Mark the token as MFA verified").
		BoolVar(&input.MFAVerified)

	cmd.Action(func(pc *kingpin.ParseContext) error {
		input.App = c
		err := TokenCommand(context.Background(), input)
		app.FatalIfError(err, "token")
		return nil
	})
}

// TokenCommand signs a bearer token with the local HMAC keyset. Tokens
// minted here are for development and operator use; production tokens
// come from the identity provider.
func TokenCommand(ctx context.Context, input TokenCommandInput) error {
	if !principal.ValidatePrincipalID(input.PrincipalID) {
		return fmt.Errorf("invalid principal ID %q", input.PrincipalID)
	}
	role := principal.Role(input.Role)
	if !role.IsValid() {
		return fmt.Errorf("invalid role %q", input.Role)
	}
	if input.TTL <= 0 {
		return fmt.Errorf("token lifetime must be positive")
	}

	keys := input.Keys
	if keys == nil {
		built, err := input.App.TokenKeyset()
		if err != nil {
			return err
		}
		keys = built
	}

	claims := identity.NewClaims(input.PrincipalID, role, input.MFAVerified, input.TTL)
	bearer, err := keys.Sign(claims)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}
	fmt.Println(bearer)
	return nil
}
