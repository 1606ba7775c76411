package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/freshbot/internal/config"
	"github.com/stellarlinkco/freshbot/internal/gateway"
	"github.com/stellarlinkco/freshbot/internal/vision"
)

// ClassifyOptions for running classify with custom dependencies
type ClassifyOptions struct {
	Loader gateway.ClassifierLoader
	Stdout io.Writer
}

var rootCmd = &cobra.Command{
	Use:          "freshbot",
	Short:        "freshbot - LINE bot that grades fruit and vegetable freshness from photos",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load the model and serve the LINE webhook",
	RunE:  runServe,
}

var classifyCmd = &cobra.Command{
	Use:   "classify <image>",
	Short: "Classify a local image with the configured model",
	Args:  cobra.ExactArgs(1),
	RunE:  runClassify,
}

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Print the ordered class labels",
	RunE:  runLabels,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write a default config file",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show resolved configuration",
	RunE:  runStatus,
}

var (
	modelFlag  string
	labelsFlag string
	jsonFlag   bool
)

func init() {
	classifyCmd.Flags().StringVar(&modelFlag, "model", "", "Model URL or path (overrides config)")
	classifyCmd.Flags().StringVar(&labelsFlag, "labels", "", "Labels file (overrides config)")
	classifyCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the prediction as JSON")
	labelsCmd.Flags().StringVar(&labelsFlag, "labels", "", "Labels file (overrides config)")
	rootCmd.AddCommand(serveCmd, classifyCmd, labelsCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w. Run 'freshbot onboard' and edit %s", err, config.ConfigPath())
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

func runClassify(cmd *cobra.Command, args []string) error {
	return runClassifyWithOptions(cmd.Context(), args[0], ClassifyOptions{Stdout: cmd.OutOrStdout()})
}

// runClassifyWithOptions runs one image through the serving path with injectable dependencies for testing
func runClassifyWithOptions(ctx context.Context, imagePath string, opts ClassifyOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if modelFlag != "" {
		cfg.Model.URL = modelFlag
	}
	if labelsFlag != "" {
		cfg.Model.LabelsFile = labelsFlag
	}
	if strings.TrimSpace(cfg.Model.URL) == "" {
		return fmt.Errorf("model url not set. Use --model or FRESHBOT_MODEL_URL")
	}

	loader := opts.Loader
	if loader == nil {
		loader = vision.LoadONNX
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	labels, err := vision.LoadLabels(cfg.Model.LabelsFile)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	tensor, err := vision.Preprocess(data)
	if err != nil {
		return err
	}

	classifier, err := loader(ctx, cfg.Model, len(labels))
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	defer classifier.Close()

	pred, err := vision.Classify(ctx, classifier, tensor, labels)
	if err != nil {
		return err
	}

	if jsonFlag {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pred)
	}
	fmt.Fprintf(stdout, "%s\t%d%%\n", pred.Label, pred.Confidence)
	return nil
}

func runLabels(cmd *cobra.Command, args []string) error {
	path := labelsFlag
	if path == "" {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		path = cfg.Model.LabelsFile
	}
	labels, err := vision.LoadLabels(path)
	if err != nil {
		return err
	}
	printLabels(cmd.OutOrStdout(), labels)
	return nil
}

func printLabels(w io.Writer, labels []string) {
	for i, l := range labels {
		fmt.Fprintf(w, "%2d  %s\n", i, l)
	}
}

func runOnboard(cmd *cobra.Command, args []string) error {
	return onboard(cmd.OutOrStdout())
}

func onboard(w io.Writer) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(w, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(w, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Model.Dir, 0755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	fmt.Fprintf(w, "Model cache: %s\n", cfg.Model.Dir)

	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintf(w, "  1. Edit %s to set line.channelAccessToken, line.channelSecret and model.url\n", cfgPath)
	fmt.Fprintln(w, "  2. Or set CHANNEL_ACCESS_TOKEN, CHANNEL_SECRET and FRESHBOT_MODEL_URL")
	fmt.Fprintln(w, "  3. Run 'freshbot classify photo.jpg' to test the model, then 'freshbot serve'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	return status(cmd.OutOrStdout())
}

func status(w io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(w, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(w, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(w, "Access token: %s\n", mask(cfg.Line.ChannelAccessToken))
	fmt.Fprintf(w, "Channel secret: %s\n", mask(cfg.Line.ChannelSecret))
	fmt.Fprintf(w, "Model: %s\n", redactURL(cfg.Model.URL))
	fmt.Fprintf(w, "Model cache: %s\n", cfg.Model.Dir)
	fmt.Fprintf(w, "Labels: %s\n", labelsDisplay(cfg.Model.LabelsFile))
	fmt.Fprintf(w, "Listen: %s:%d%s\n", cfg.Gateway.Host, cfg.Gateway.Port, cfg.Gateway.WebhookPath)
	fmt.Fprintf(w, "Event timeout: %s\n", cfg.Gateway.EventTimeout)
	fmt.Fprintf(w, "Stats: enabled=%v schedule=%q\n", cfg.Stats.Enabled, cfg.Stats.Schedule)
	fmt.Fprintf(w, "Tracing: enabled=%v\n", cfg.Tracing.Enabled)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Ready to serve: no (%v)\n", err)
	} else {
		fmt.Fprintln(w, "Ready to serve: yes")
	}
	return nil
}

func mask(secret string) string {
	switch {
	case secret == "":
		return "not set"
	case len(secret) > 8:
		return secret[:4] + "..." + secret[len(secret)-4:]
	default:
		return "set"
	}
}

// redactURL drops credentials and query strings, which often carry signed tokens.
func redactURL(raw string) string {
	if raw == "" {
		return "not set"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "set"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func labelsDisplay(path string) string {
	if path == "" {
		return fmt.Sprintf("built-in (%d classes)", len(vision.DefaultLabels))
	}
	return path
}
