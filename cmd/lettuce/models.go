package main

import (
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/soundprediction/lettuce/pkg/nlp"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the built-in providers and models",
	Long: `List the classifier providers compiled into this binary and the models
with known calibration. Use --provider or --capability to filter.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, _ := cmd.Flags().GetString("provider")
		capability, _ := cmd.Flags().GetString("capability")
		return listModels(cmd.OutOrStdout(), provider, capability)
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)

	modelsCmd.Flags().String("provider", "", "Only models of this provider")
	modelsCmd.Flags().String("capability", "", "Only models with this capability (token_classification, span_detection, embedding, text_generation)")
}

func listModels(out io.Writer, provider, capability string) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "PROVIDER\tLOCAL\tDESCRIPTION")
	for _, id := range newRegistry().Providers() {
		p, ok := nlp.GetProvider(id)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%t\t%s\n", p.ID, p.IsLocal, p.Description)
	}
	fmt.Fprintln(w)

	models := nlp.BuiltInModels
	if capability != "" {
		models = nlp.GetModelsByCapability(nlp.TaskCapability(capability))
	}
	if provider != "" {
		id := nlp.ProviderID(provider)
		if _, ok := nlp.GetProvider(id); !ok {
			return fmt.Errorf("unknown provider: %s", provider)
		}
		var filtered []nlp.Model
		for _, m := range nlp.GetModelsByProvider(id) {
			if capability == "" || slices.Contains(m.Capabilities, nlp.TaskCapability(capability)) {
				filtered = append(filtered, m)
			}
		}
		models = filtered
	}

	fmt.Fprintln(w, "MODEL\tPROVIDER\tTHRESHOLD\tDESCRIPTION")
	for _, m := range models {
		threshold := "-"
		if m.Threshold > 0 {
			threshold = fmt.Sprintf("%.2f", m.Threshold)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.ProviderID, threshold, m.Description)
	}
	return w.Flush()
}
