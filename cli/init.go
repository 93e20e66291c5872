package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/citadelzt/citadel/config"
)

// InitCommandInput contains the input for the init command.
type InitCommandInput struct {
	Template string
	Output   string
	Force    bool
}

// ConfigureInitCommand sets up the init command with kingpin.
func ConfigureInitCommand(app *kingpin.Application, c *Citadel) {
	input := InitCommandInput{}

	cmd := app.Command("init", "Generate a starter configuration file")

	cmd.Flag("template", "Configuration template (minimal, standard, hardened). Omit to pick interactively").
		StringVar(&input.Template)

	cmd.Flag("output", "Path to write the configuration to").
		Default("citadel.yaml").
		StringVar(&input.Output)

	cmd.Flag("force", "Overwrite an existing file").
		BoolVar(&input.Force)

	cmd.Action(func(pc *kingpin.ParseContext) error {
		err := InitCommand(context.Background(), input)
		app.FatalIfError(err, "init")
		return nil
	})
}

// InitCommand generates a configuration file from a template. With no
// --template flag it presents an interactive picker.
func InitCommand(ctx context.Context, input InitCommandInput) error {
	id := config.TemplateID(input.Template)
	if input.Template == "" {
		picked, err := pickTemplate()
		if err != nil {
			return err
		}
		id = picked
	}
	if !id.IsValid() {
		return fmt.Errorf("unknown template %q, expected one of %v", input.Template, config.AllTemplateIDs())
	}

	if !input.Force {
		if _, err := os.Stat(input.Output); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", input.Output)
		}
	}

	content, err := config.Render(id)
	if err != nil {
		return err
	}
	if err := os.WriteFile(input.Output, content, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", input.Output, err)
	}

	tmpl, err := config.GetTemplate(id)
	if err != nil {
		return err
	}
	accent := lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	plain := lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	fmt.Printf("%s %s\n", plain.Render("Wrote "+tmpl.Name+" configuration to"), accent.Render(input.Output))
	fmt.Println(plain.Render("Review the thresholds, then provision tables with 'citadel bootstrap'."))
	return nil
}

func pickTemplate() (config.TemplateID, error) {
	var choice string

	var opts []huh.Option[string]
	for _, id := range config.AllTemplateIDs() {
		tmpl, err := config.GetTemplate(id)
		if err != nil {
			return "", err
		}
		opts = append(opts, huh.NewOption(fmt.Sprintf("%s (%s)", tmpl.Name, tmpl.Description), string(id)))
	}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Choose a configuration template:").
				Options(opts...).
				Value(&choice))).WithHeight(7)

	if err := form.Run(); err != nil {
		return "", err
	}
	return config.TemplateID(choice), nil
}
