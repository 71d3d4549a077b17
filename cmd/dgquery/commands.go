package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ral-facilities/datagateway-go/internal/core/model"
	"github.com/ral-facilities/datagateway-go/internal/logger"
	"github.com/ral-facilities/datagateway-go/internal/query/codec"
	"github.com/ral-facilities/datagateway-go/internal/query/translate"
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dgquery",
		Short:         "Inspect DataGateway address-bar query state",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolP("verbose", "v", false, "Log decode fallbacks to stderr")

	root.AddCommand(decodeCmd())
	root.AddCommand(encodeCmd())
	root.AddCommand(translateCmd())
	return root
}

// newCodec logs to stderr only with --verbose.
func newCodec(cmd *cobra.Command) *codec.Codec {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if !verbose {
		return codec.New(nil)
	}
	zl := logger.Build(logger.Config{Level: "debug", Console: true, Component: "dgquery"}, cmd.ErrOrStderr())
	return codec.New(logger.NewSlog(&zl))
}

func decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode [query]",
		Short: "Decode an address-bar query string into state JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := newCodec(cmd).Decode(cmd.Context(), trimQuery(args[0]), model.QueryState{})
			return writeCompact(cmd.OutOrStdout(), s)
		},
	}
}

// wireState reads state JSON; filter values are decoded by the codec.
type wireState struct {
	View    *string         `json:"view"`
	Search  *string         `json:"search"`
	Page    *int            `json:"page"`
	Results *int            `json:"results"`
	Filters json.RawMessage `json:"filters"`
	Sort    json.RawMessage `json:"sort"`
}

func (w wireState) state() (model.QueryState, error) {
	var s model.QueryState
	if w.View != nil {
		v, ok := model.ParseView(*w.View)
		if !ok {
			return s, fmt.Errorf("unknown view %q", *w.View)
		}
		s.View = &v
	}
	s.Search, s.Page, s.Results = w.Search, w.Page, w.Results
	if len(w.Filters) > 0 && string(w.Filters) != "null" {
		f, err := codec.DecodeFilters(w.Filters)
		if err != nil {
			return s, fmt.Errorf("filters: %w", err)
		}
		s.Filters = f
	}
	if len(w.Sort) > 0 && string(w.Sort) != "null" {
		so, err := codec.DecodeSort(w.Sort)
		if err != nil {
			return s, fmt.Errorf("sort: %w", err)
		}
		s.Sort = so
	}
	return s, nil
}

func encodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encode [state-json]",
		Short: "Encode state JSON into an address-bar query string",
		Long:  "Encode state JSON into an address-bar query string. Pass - to read the state from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(args[0])
			if args[0] == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				raw = b
			}
			var w wireState
			if err := json.Unmarshal(raw, &w); err != nil {
				return fmt.Errorf("parse state: %w", err)
			}
			s, err := w.state()
			if err != nil {
				return err
			}
			q, err := codec.Encode(s)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), q)
			return err
		},
	}
}

func translateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "translate [query]",
		Short: "Print the catalog API parameters for an address-bar query string",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetBool("count")
			asJSON, _ := cmd.Flags().GetBool("json")

			s := newCodec(cmd).Decode(cmd.Context(), trimQuery(args[0]), model.QueryState{})
			p, err := translate.Translate(s.Sort, s.Filters)
			if err != nil {
				return err
			}
			if count {
				p = p.WithoutOrder()
			} else {
				p = p.Page(s.Page, s.Results)
			}
			if asJSON {
				return writeCompact(cmd.OutOrStdout(), p)
			}
			for _, kv := range p {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", kv.Key, kv.Value); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolP("count", "c", false, "Parameters for the count endpoint (no order or paging)")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func trimQuery(s string) string {
	if _, q, ok := strings.Cut(s, "?"); ok {
		return q
	}
	return s
}

func writeCompact(w io.Writer, v any) error {
	b, err := model.MarshalCompact(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
