package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"sampsort/internal/labels"
)

var (
	flagValidateMapping string
	flagValidateDim     int

	flagStubOutput string
	flagStubDim    int
)

var validateMappingCmd = &cobra.Command{
	Use:   "validate-mapping",
	Short: "Validate a label mapping file against a model output dimension",
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := labels.Validate(flagValidateMapping, flagValidateDim); err != nil {
			return err
		}
		printOK(fmt.Sprintf("label mapping valid (%d classes)", flagValidateDim))
		return nil
	},
}

var createStubCmd = &cobra.Command{
	Use:   "create-stub",
	Short: "Write a placeholder label mapping file to fill in",
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := labels.WriteStub(flagStubOutput, flagStubDim, nil); err != nil {
			return err
		}
		printOK(fmt.Sprintf("created label mapping stub: %s", flagStubOutput))
		printInfo("edit this file to provide canonical class names")
		return nil
	},
}

func init() {
	validateMappingCmd.Flags().StringVar(&flagValidateMapping, "mapping", "", "Path to label mapping JSON")
	validateMappingCmd.Flags().IntVar(&flagValidateDim, "dim", 0, "Model output dimensionality")
	_ = validateMappingCmd.MarkFlagRequired("mapping")
	_ = validateMappingCmd.MarkFlagRequired("dim")

	createStubCmd.Flags().StringVar(&flagStubOutput, "output", "label_mapping_stub.json", "Output path")
	createStubCmd.Flags().IntVar(&flagStubDim, "dim", 0, "Model output dimensionality")
	_ = createStubCmd.MarkFlagRequired("dim")

	rootCmd.AddCommand(validateMappingCmd)
	rootCmd.AddCommand(createStubCmd)
}
