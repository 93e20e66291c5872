package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/citadelzt/citadel/config"
)

// ValidateCommandInput contains the input for the validate command.
type ValidateCommandInput struct {
	ConfigPath string
	JSONOutput bool
}

// ConfigureValidateCommand sets up the validate command with kingpin.
func ConfigureValidateCommand(app *kingpin.Application, c *Citadel) {
	input := ValidateCommandInput{}

	cmd := app.Command("validate", "Validate a configuration file without loading it")

	cmd.Arg("file", "Configuration file to validate. Omit to validate the global --config").
		StringVar(&input.ConfigPath)

	cmd.Flag("json", "Output the validation result as JSON").
		BoolVar(&input.JSONOutput)

	cmd.Action(func(pc *kingpin.ParseContext) error {
		if input.ConfigPath == "" {
			input.ConfigPath = c.ConfigPath
		}
		err := ValidateCommand(context.Background(), input)
		app.FatalIfError(err, "validate")
		return nil
	})
}

// ValidateCommand checks a configuration file and reports every issue.
// Warnings are reported but do not fail the command; errors do.
func ValidateCommand(ctx context.Context, input ValidateCommandInput) error {
	result, err := validateConfigFile(input.ConfigPath)
	if err != nil {
		return err
	}

	if input.JSONOutput {
		if err := printJSON(result); err != nil {
			return err
		}
	} else {
		printValidationResult(result)
	}

	if !result.Valid {
		return fmt.Errorf("%s has %d error(s)", result.Source, len(result.Errors()))
	}
	return nil
}

func validateConfigFile(path string) (*config.ValidationResult, error) {
	cfg := config.Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		cfg, err = config.Parse(content)
		if err != nil {
			// Unparseable YAML is still a reportable result, not a
			// command failure.
			return &config.ValidationResult{
				Source: path,
				Valid:  false,
				Issues: []config.ValidationIssue{{
					Severity:   config.SeverityError,
					Location:   "yaml",
					Message:    err.Error(),
					Suggestion: "fix the YAML syntax or remove unknown keys",
				}},
			}, nil
		}
	}

	result := cfg.Validate(path)
	return &result, nil
}

func printValidationResult(result *config.ValidationResult) {
	good := lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	bad := lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	warn := lipgloss.NewStyle().Foreground(lipgloss.Color("3"))

	for _, issue := range result.Issues {
		style := warn
		if issue.Severity == config.SeverityError {
			style = bad
		}
		fmt.Printf("%s %s: %s\n", style.Render(string(issue.Severity)), issue.Location, issue.Message)
		if issue.Suggestion != "" {
			fmt.Printf("  %s\n", issue.Suggestion)
		}
	}
	if result.Valid {
		fmt.Println(good.Render(fmt.Sprintf("%s is valid", result.Source)))
	}
}
