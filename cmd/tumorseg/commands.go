package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tumorseg/pkg/config"
	"tumorseg/pkg/model/patchnet"
	"tumorseg/pkg/pipeline"
)

func newPipeline(description string) (*pipeline.Pipeline, *progressbar.ProgressBar, error) {
	p, err := pipeline.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
	p.Progress = func(done, total int, patient string) {
		bar.ChangeMax(total)
		bar.Describe(fmt.Sprintf("%s %s", description, patient))
		_ = bar.Set(done)
	}
	return p, bar, nil
}

func printDice(title string, dice map[uint8]float64) {
	labels := make([]int, 0, len(dice))
	for l := range dice {
		labels = append(labels, int(l))
	}
	sort.Ints(labels)
	fmt.Printf("%s:\n", title)
	for _, l := range labels {
		fmt.Printf("  label %d: DSC %.4f\n", l, dice[uint8(l)])
	}
}

func printFailures(report *pipeline.Report) {
	if len(report.Failures) == 0 {
		return
	}
	fmt.Printf("%d patient(s) failed:\n", len(report.Failures))
	for _, f := range report.Failures {
		fmt.Printf("  %v\n", f)
	}
}

func trainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Run N-fold cross-validation: train one model per fold and test its patients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, bar, err := newPipeline("testing")
			if err != nil {
				return err
			}
			report, err := p.CrossValidate(cmd.Context())
			_ = bar.Finish()
			if report != nil {
				printDice("Cross-validation results", report.MeanDice())
				printFailures(report)
			}
			return err
		},
	}
}

func fitCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Train one model on the whole dataset, e.g. the primary model for adapt",
		Long: `fit trains a single model on every patient of the dataset, holding out
training.valFraction of them for validation and early stopping. Each of the
training.rounds rounds is checkpointed next to the output file and an
interrupted run resumes after the last finished round.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, bar, err := newPipeline("training")
			if err != nil {
				return err
			}
			report, err := p.TrainAll(cmd.Context(), out)
			_ = bar.Finish()
			if report != nil {
				printFailures(report)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Model written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "models/primary.gob", "output model file")
	return cmd
}

func segmentCmd() *cobra.Command {
	var modelPath, tag, roi string
	cmd := &cobra.Command{
		Use:   "segment [patient...]",
		Short: "Segment patients with a trained model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, patients []string) error {
			if roi != "" {
				cfg.Adaptation.ROIModel = roi
			}
			p, bar, err := newPipeline("segmenting")
			if err != nil {
				return err
			}
			net, err := patchnet.Load(modelPath)
			if err != nil {
				return err
			}
			for i, patient := range patients {
				res, err := p.Segment(cmd.Context(), net, patient, tag)
				if err != nil {
					return fmt.Errorf("patient %s: %w", patient, err)
				}
				p.Progress(i+1, len(patients), patient)
				fmt.Printf("%s: %d foreground voxels -> %s\n", patient, res.Labels.Foreground(), p.SegmentationPath(patient, tag))
			}
			return bar.Finish()
		},
	}
	cmd.Flags().StringVar(&modelPath, "model", "", "trained model file")
	cmd.Flags().StringVar(&tag, "tag", "test", "tag of the output files")
	cmd.Flags().StringVar(&roi, "roi", "", "tumour region model file for the mask gate (overrides the configuration)")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func adaptCmd() *cobra.Command {
	var primary, roi string
	cmd := &cobra.Command{
		Use:   "adapt [patient...]",
		Short: "Adapt the primary model to every patient and compare both segmentations",
		Long: `adapt segments each patient with the primary model, retrains the
convolutional trunk on the patient's tumour region against the most similar
reference case and segments again. Without arguments every patient is used.`,
		RunE: func(cmd *cobra.Command, patients []string) error {
			if primary != "" {
				cfg.Adaptation.PrimaryModel = primary
			}
			if roi != "" {
				cfg.Adaptation.ROIModel = roi
			}
			p, bar, err := newPipeline("adapting")
			if err != nil {
				return err
			}
			report, err := p.AdaptSweep(cmd.Context(), patients)
			_ = bar.Finish()
			if report != nil {
				printDice("Original", report.MeanOriginalDice())
				printDice("Domain", report.MeanDice())
				printFailures(report)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&primary, "primary", "", "primary model file (overrides the configuration)")
	cmd.Flags().StringVar(&roi, "roi", "", "tumour region model file (overrides the configuration)")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with the default values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := cfgFile
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Printf("Default configuration written to %s\n", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Validate and print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	})
	return cmd
}
