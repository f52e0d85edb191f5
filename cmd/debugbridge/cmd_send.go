package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	sendParams []string
	sendField  string
)

var sendCmd = &cobra.Command{
	Use:   "send <target> <method> [params-json]",
	Short: "Send one protocol command and print its result",
	Long: `Attaches to a target, sends one command and prints the reply.

The target is "browser", a target id, a unique id prefix or a URL fragment.

Examples:
  debugbridge send browser Browser.getVersion
  debugbridge send 4F2A Runtime.evaluate '{"expression":"document.title","returnByValue":true}'
  debugbridge send example.com Page.navigate '{"url":"https://example.org"}'
  debugbridge send example.com Page.navigate -p url=https://example.org
  debugbridge send 4F2A Runtime.evaluate -p expression=1+1 -p returnByValue=true --field result.value`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringArrayVarP(&sendParams, "param", "p", nil, "Set a params field: path=value (value parsed as JSON when valid)")
	sendCmd.Flags().StringVar(&sendField, "field", "", "Print only this path of the result")
}

func runSend(cmd *cobra.Command, args []string) error {
	ref, method := args[0], args[1]
	var params json.RawMessage
	if len(args) == 3 {
		p, err := parseParams(args[2])
		if err != nil {
			return err
		}
		params = p
	}
	params, err := setParams(params, sendParams)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	b, err := openBridge(ctx, ref)
	if err != nil {
		return err
	}
	defer b.Close()

	var result json.RawMessage
	if err := b.session.Invoke(ctx, method, params, &result, b.callOpts...); err != nil {
		return err
	}
	if sendField != "" {
		field := gjson.GetBytes(result, sendField)
		if !field.Exists() {
			return fmt.Errorf("result has no field %q", sendField)
		}
		result = json.RawMessage(field.Raw)
	}
	out, err := prettyJSON(result)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

// parseParams validates a params argument. It must be a JSON object.
func parseParams(s string) (json.RawMessage, error) {
	raw := json.RawMessage(s)
	if !json.Valid(raw) {
		return nil, fmt.Errorf("params are not valid JSON: %s", s)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("params must be a JSON object, got %s", s)
	}
	return raw, nil
}

func prettyJSON(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "{}", nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return "", fmt.Errorf("format result: %w", err)
	}
	return buf.String(), nil
}

// setParams applies path=value assignments on top of params. Values that are
// valid JSON are set raw; anything else is set as a string.
func setParams(params json.RawMessage, assignments []string) (json.RawMessage, error) {
	if len(assignments) == 0 {
		return params, nil
	}
	out := []byte(params)
	if len(out) == 0 {
		out = []byte("{}")
	}
	for _, a := range assignments {
		path, value, ok := strings.Cut(a, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("param %q: expected path=value", a)
		}
		var err error
		if json.Valid([]byte(value)) {
			out, err = sjson.SetRawBytes(out, path, []byte(value))
		} else {
			out, err = sjson.SetBytes(out, path, value)
		}
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", a, err)
		}
	}
	return out, nil
}
