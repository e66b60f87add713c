package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/khqr"
)

// templates whose values are themselves TLV sequences
var nestedTags = map[string]bool{
	khqr.TagMerchantAccount: true,
	khqr.TagAdditionalData:  true,
}

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <code>",
		Short: "Verify a payment code and print its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := strings.TrimSpace(args[0])
			fields, err := khqr.Decode(code)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printFields(out, fields, "")

			if err := khqr.Verify(code); err != nil {
				fmt.Fprintf(out, "\nchecksum:    INVALID (%v)\n", err)
				return err
			}
			fmt.Fprintln(out, "\nchecksum:    ok")
			fmt.Fprintf(out, "fingerprint: %s\n", khqr.Fingerprint(code))
			return nil
		},
	}
}

func printFields(out io.Writer, fields []khqr.TLV, indent string) {
	for _, f := range fields {
		fmt.Fprintf(out, "%s%s [%02d] %s\n", indent, f.Tag, len([]rune(f.Value)), f.Value)
		if indent == "" && nestedTags[f.Tag] {
			if subs, err := khqr.Decode(f.Value); err == nil {
				printFields(out, subs, indent+"    ")
			}
		}
	}
}
