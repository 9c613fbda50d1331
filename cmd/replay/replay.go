package replay

import (
	"fmt"
	"os"

	"github.com/Mmx233/frag6d/capture"
	"github.com/Mmx233/frag6d/config"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	inputFile   string
	outputFile  string
	configFile  string
	passThrough bool
	drain       bool
	withICMP    bool

	Cmd = &cobra.Command{
		Use:   "replay",
		Short: "Reassemble the IPv6 fragments of a packet capture",
		Args:  cobra.NoArgs,
		RunE:  runReplay,
	}
)

func init() {
	Cmd.Flags().StringVarP(&inputFile, "input", "i", "", "input pcap or pcapng file")
	Cmd.Flags().StringVarP(&outputFile, "output", "o", "", "output pcap file (raw IP link type)")
	Cmd.Flags().StringVarP(&configFile, "config", "c", "", "daemon config file supplying the reassembly and icmp sections")
	Cmd.Flags().BoolVar(&passThrough, "pass-through", false, "copy unfragmented IPv6 packets to the output")
	Cmd.Flags().BoolVar(&drain, "drain", false, "drain the table at end of capture, emitting time exceeded errors")
	Cmd.Flags().BoolVar(&withICMP, "icmp", false, "write generated ICMPv6 errors to the output")
	_ = Cmd.MarkFlagRequired("input")
	_ = Cmd.MarkFlagRequired("output")
}

func loadConfig() (*config.Daemon, error) {
	if configFile == "" {
		cfg := &config.Daemon{}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	cfg, err := config.LoadConfig[config.Daemon](configFile)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Reassembly.Validate(); err != nil {
		return nil, fmt.Errorf("reassembly: %w", err)
	}
	return cfg, nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "replay-cmd").Logger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	in, err := os.Open(inputFile)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	out, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer out.Close()

	opts := capture.Options{
		Engine:      cfg.Reassembly.EngineConfig(),
		PassThrough: passThrough,
		Drain:       drain,
	}
	if withICMP {
		icmpConf := cfg.ICMP.SenderConfig()
		opts.ICMP = &icmpConf
	}

	logger.Info().Str("input", inputFile).Str("output", outputFile).Msg("replaying capture")
	summary, err := capture.Replay(in, out, opts, log.Logger)
	if err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}

	data, err := jsoniter.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
