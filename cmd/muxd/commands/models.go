package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mux-ai/mux/internal/config"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List configured models",
	RunE:  runModels,
}

func runModels(cmd *cobra.Command, args []string) error {
	dir, err := workDir("")
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}

	providers := buildProviders(cmd.Context(), cfg)
	models := providers.AllModels()
	if len(models) == 0 {
		fmt.Println("No providers configured. Set ANTHROPIC_API_KEY, OPENAI_API_KEY or ARK_API_KEY, or add providers to mux.json.")
		return nil
	}

	defaultRef := ""
	if m, err := providers.DefaultModel(); err == nil {
		defaultRef = m.ProviderID + "/" + m.ID
	}

	for _, m := range models {
		ref := m.ProviderID + "/" + m.ID
		marker := "  "
		if ref == defaultRef {
			marker = "* "
		}
		fmt.Printf("%s%-55s %s\n", marker, ref, m.Name)
	}
	return nil
}
