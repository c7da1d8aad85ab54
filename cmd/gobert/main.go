package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"gobert/internal/envconfig"
	"gobert/internal/logutil"
	"gobert/pkg/checkpoint"
	"gobert/pkg/model"
)

func main() {
	if err := NewCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// NewCLI builds the root command.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	root := &cobra.Command{
		Use:           "gobert",
		Short:         "BERT-style Transformer encoder",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			if err := loadEnv(envFile); err != nil {
				return err
			}
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
			return nil
		},
	}
	root.PersistentFlags().String("env-file", "", "Load environment variables from this file (default .env if present)")

	root.AddCommand(newInitCmd(), newEncodeCmd(), newInspectCmd(), newEnvCmd())
	appendEnvDocs(root)
	return root
}

// loadEnv loads a dotenv file. Variables already set in the environment
// take precedence. A missing default .env is not an error.
func loadEnv(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func appendEnvDocs(cmd *cobra.Command) {
	vars := envconfig.AsMap()
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	slices.Sort(names)

	usage := "\nEnvironment Variables:\n"
	for _, name := range names {
		usage += fmt.Sprintf("      %-24s   %s\n", name, vars[name].Description)
	}
	cmd.SetUsageTemplate(cmd.UsageTemplate() + usage)
}

// resolvePath maps a bare model name to a file in GOBERT_MODELS.
func resolvePath(name string) string {
	if strings.ContainsRune(name, os.PathSeparator) || filepath.Ext(name) != "" {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	path := filepath.Join(envconfig.Models(), name+".safetensors")
	logutil.Trace("resolved model name", "name", name, "path", path)
	return path
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init MODEL",
		Short: "Create a model with freshly initialized weights and save it",
		Args:  cobra.ExactArgs(1),
		RunE:  InitHandler,
	}

	defaults := model.NewConfig(0, 0)
	cmd.Flags().Int("vocab", 30522, "Vocabulary size")
	cmd.Flags().Int("seq-len", 512, "Maximum sequence length")
	cmd.Flags().Int("layers", defaults.NumEncoderLayers, "Number of encoder layers")
	cmd.Flags().Int("d-model", defaults.DModel, "Hidden width")
	cmd.Flags().Int("heads", defaults.NumHeads, "Attention heads")
	cmd.Flags().Int("dim-ffn", 0, "Feed-forward width (default 4 * d-model)")
	cmd.Flags().Float32("dropout", defaults.Dropout, "Dropout rate used in training mode")
	cmd.Flags().String("activation", defaults.Activation, "Feed-forward activation (gelu, relu)")
	cmd.Flags().Int64("seed", 0, "Initialization seed (default GOBERT_SEED)")
	cmd.Flags().String("init", "xavier", "Weight initialization (xavier, normal)")
	cmd.Flags().String("dtype", "f32", "Storage type (f32, f16)")
	return cmd
}

// InitHandler creates and saves a new model.
func InitHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	config := model.NewConfig(0, 0)
	for flag, dst := range map[string]*int{
		"vocab":   &config.SrcVocabSize,
		"seq-len": &config.SrcSeqLen,
		"layers":  &config.NumEncoderLayers,
		"d-model": &config.DModel,
		"heads":   &config.NumHeads,
		"dim-ffn": &config.DimFFN,
	} {
		v, err := flags.GetInt(flag)
		if err != nil {
			return err
		}
		*dst = v
	}

	var err error
	if config.Dropout, err = flags.GetFloat32("dropout"); err != nil {
		return err
	}
	if config.Activation, err = flags.GetString("activation"); err != nil {
		return err
	}

	var opts []model.Option
	if flags.Changed("seed") {
		seed, _ := flags.GetInt64("seed")
		opts = append(opts, model.WithSeed(seed))
	}

	initName, _ := flags.GetString("init")
	switch initName {
	case "xavier":
		opts = append(opts, model.WithInitializer(model.XavierInitialization{}))
	case "normal":
		opts = append(opts, model.WithInitializer(model.NormalInitialization{Std: 0.02}))
	default:
		return fmt.Errorf("unknown initializer %q", initName)
	}

	dtypeName, _ := flags.GetString("dtype")
	dtype, err := checkpoint.ParseDType(dtypeName)
	if err != nil {
		return err
	}

	m, err := model.Create(config, opts...)
	if err != nil {
		return err
	}

	path := resolvePath(args[0])
	if err := m.SaveModel(path, model.WithDType(dtype)); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "created %s (%d parameters)\n", path, m.NumParams())
	return nil
}

func newEncodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode MODEL [IDS...]",
		Short: "Encode token ids into hidden states",
		Long:  "Encode token ids into hidden states. Ids are read from the arguments or, if none are given, from stdin; commas and whitespace both separate ids.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  EncodeHandler,
	}

	cmd.Flags().Int("pad-id", -1, "Mask keys holding this id (negative disables)")
	cmd.Flags().Bool("causal", false, "Block attention to later positions")
	cmd.Flags().Bool("attention", false, "Print attention weights of the last layer instead of hidden states")
	return cmd
}

// EncodeHandler runs a forward pass and prints one row per position.
func EncodeHandler(cmd *cobra.Command, args []string) error {
	input := strings.Join(args[1:], " ")
	if len(args) == 1 {
		bts, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		input = string(bts)
	}

	ids, err := parseIDs(input)
	if err != nil {
		return err
	}

	m, err := model.Open(resolvePath(args[0]))
	if err != nil {
		return err
	}

	var opts []model.ForwardOption
	if padID, _ := cmd.Flags().GetInt("pad-id"); padID >= 0 {
		opts = append(opts, model.WithKeyPaddingMask(model.PaddingMask(ids, padID, len(ids))))
	}
	if causal, _ := cmd.Flags().GetBool("causal"); causal {
		opts = append(opts, model.WithAttentionMask(model.CausalMask(len(ids))))
	}

	w := cmd.OutOrStdout()
	if attn, _ := cmd.Flags().GetBool("attention"); attn {
		weights, err := m.AttentionWeights(ids, opts...)
		if err != nil {
			return err
		}
		last := weights[len(weights)-1]
		heads, seqLen := last.Shape[0], last.Shape[1]
		for h := 0; h < heads; h++ {
			fmt.Fprintf(w, "head %d\n", h)
			block := last.Data[h*seqLen*seqLen : (h+1)*seqLen*seqLen]
			for q := 0; q < seqLen; q++ {
				printRow(w, block[q*seqLen:(q+1)*seqLen])
			}
		}
		return nil
	}

	hidden, err := m.Forward(ids, opts...)
	if err != nil {
		return err
	}
	for r := 0; r < hidden.Shape[0]; r++ {
		printRow(w, hidden.Row(r))
	}
	return nil
}

func parseIDs(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t' || r == '\r'
	})
	if len(fields) == 0 {
		return nil, errors.New("no token ids given")
	}

	ids := make([]int, len(fields))
	for i, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q", f)
		}
		ids[i] = id
	}
	return ids, nil
}

func printRow(w io.Writer, row []float32) {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = strconv.FormatFloat(float64(v), 'g', 6, 32)
	}
	fmt.Fprintln(w, strings.Join(parts, " "))
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect MODEL",
		Short: "Show a checkpoint's config and tensors",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}
	cmd.Flags().BoolP("verbose", "v", false, "List every tensor")
	return cmd
}

// InspectHandler prints checkpoint metadata without loading tensor data.
func InspectHandler(cmd *cobra.Command, args []string) error {
	h, err := checkpoint.ReadHeaderFile(resolvePath(args[0]))
	if err != nil {
		return err
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	return showInfo(h, verbose, cmd.OutOrStdout())
}

func showInfo(h *checkpoint.Header, verbose bool, w io.Writer) error {
	tableRender := func(header string, rows [][]string) {
		fmt.Fprintln(w, " ", header)
		table := tablewriter.NewWriter(w)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")
		table.AppendBulk(rows)
		table.Render()
		fmt.Fprintln(w)
	}

	keys := make([]string, 0, len(h.Metadata))
	for k := range h.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var config [][]string
	for _, k := range keys {
		config = append(config, []string{"", k, h.Metadata[k]})
	}

	total := 0
	dtypes := map[checkpoint.DType]int{}
	var tensors [][]string
	for _, ti := range h.Tensors {
		n := 1
		for _, d := range ti.Shape {
			n *= d
		}
		total += n
		dtypes[ti.DType]++
		tensors = append(tensors, []string{"", ti.Name, string(ti.DType), fmt.Sprint(ti.Shape), strconv.Itoa(n)})
	}

	summary := [][]string{
		{"", "tensors", strconv.Itoa(len(h.Tensors))},
		{"", "parameters", strconv.Itoa(total)},
		{"", "size", fmt.Sprintf("%d bytes", h.Size())},
	}
	names := make([]checkpoint.DType, 0, len(dtypes))
	for dtype := range dtypes {
		names = append(names, dtype)
	}
	slices.Sort(names)
	for _, dtype := range names {
		summary = append(summary, []string{"", "dtype", fmt.Sprintf("%s (%d tensors)", dtype, dtypes[dtype])})
	}

	tableRender("Model", config)
	tableRender("Parameters", summary)
	if verbose {
		tableRender("Tensors", tensors)
	}
	return nil
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show the effective GOBERT_* settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			values := envconfig.Values()
			names := make([]string, 0, len(values))
			for name := range values {
				names = append(names, name)
			}
			slices.Sort(names)

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"NAME", "VALUE"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			for _, name := range names {
				table.Append([]string{name, values[name]})
			}
			table.Render()
			return nil
		},
	}
}
