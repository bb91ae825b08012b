package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rescp17/vnet/internal/util"
	"github.com/rescp17/vnet/pkg/pingpong"
	"github.com/rescp17/vnet/pkg/registry"
	"github.com/rescp17/vnet/pkg/relay"
	"github.com/rescp17/vnet/pkg/transfer"
)

// knownMessages names the type ids this binary understands.
var knownMessages = func() map[uint32]string {
	out := make(map[uint32]string)
	for _, m := range []registry.Message{
		relay.HandshakeInit{},
		relay.KeyExchange{},
		pingpong.Ping{},
		pingpong.Pong{},
		transfer.TransferSession{},
		transfer.TransferChunk{},
		transfer.TransferComplete{},
	} {
		out[registry.TypeID(m.MessageName())] = m.MessageName()
	}
	return out
}()

type frameOptions struct {
	prefix string
	key    string
	keyHex string
}

func newFrameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "frame",
		Short: "Inspect relay frames",
	}

	opts := &frameOptions{}
	decode := &cobra.Command{
		Use:   "decode <frame>",
		Short: "Split a frame into its fields and check its MAC",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decodeFrame(cmd.OutOrStdout(), opts, args[0])
		},
	}
	decode.Flags().StringVar(&opts.prefix, "prefix", relay.DefaultPrefix, "Frame prefix")
	decode.Flags().StringVar(&opts.key, "key", relay.Version, "Signing key as text")
	decode.Flags().StringVar(&opts.keyHex, "key-hex", "", "Signing key as hex, overrides --key")

	cmd.AddCommand(decode)
	return cmd
}

func decodeFrame(out io.Writer, opts *frameOptions, text string) error {
	f, unsigned, err := relay.ParseFrame(opts.prefix, strings.TrimSpace(text))
	if err != nil {
		return err
	}

	key := []byte(opts.key)
	if opts.keyHex != "" {
		if key, err = hex.DecodeString(opts.keyHex); err != nil {
			return fmt.Errorf("key-hex: %w", err)
		}
	}

	typeName, ok := knownMessages[f.TypeID]
	if !ok {
		typeName = "unknown"
	}
	mac := "does not match key"
	if relay.VerifyMAC(key, unsigned, f.MAC) {
		mac = "valid"
	}

	row := func(label, value string) {
		fmt.Fprintf(out, "%s %s\n", util.PadRight(label, 12), value)
	}
	row("message id", f.MessageID)
	row("part", fmt.Sprintf("%d/%d", f.Index+1, f.Total))
	row("type", fmt.Sprintf("%d (%s)", f.TypeID, typeName))
	row("slice", fmt.Sprintf("%d chars", len(f.Slice)))
	if f.Total == 1 {
		if payload, err := base64.StdEncoding.DecodeString(f.Slice); err == nil {
			row("payload", util.FormatSize(int64(len(payload))))
		} else {
			row("payload", "not valid base64")
		}
	}
	row("mac", fmt.Sprintf("%s (%s)", f.MAC, mac))
	return nil
}
