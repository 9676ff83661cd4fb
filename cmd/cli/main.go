// Command saunactl is a CLI client for the saunalog gRPC API.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/and161185/saunalog/internal/api"
	"github.com/and161185/saunalog/internal/convert"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "saunalog")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "saunalog")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || (!tf.ExpiresAt.IsZero() && time.Now().After(tf.ExpiresAt)) {
		return "", errors.New("no valid token (run set-token)")
	}
	return tf.AccessToken, nil
}

// tokenExpiry reads exp without verifying the signature; the server verifies.
func tokenExpiry(tok string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

type globalOpts struct {
	addr       string
	caPath     string
	skipVerify bool
	plaintext  bool
	timeout    time.Duration
}

// caller is the subset of api.SessionsClient used by commands.
type caller interface {
	Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type connector func(g *globalOpts) (caller, func(), error)

func dial(g *globalOpts) (caller, func(), error) {
	tok, err := loadToken()
	if err != nil {
		return nil, nil, err
	}
	var tc credentials.TransportCredentials
	if g.plaintext {
		tc = insecure.NewCredentials()
	} else if tc, err = loadTLS(g.caPath, g.skipVerify); err != nil {
		return nil, nil, err
	}
	cc, err := grpc.NewClient(g.addr,
		grpc.WithTransportCredentials(tc),
		grpc.WithPerRPCCredentials(bearerCreds{token: tok, secure: !g.plaintext}),
	)
	if err != nil {
		return nil, nil, err
	}
	return api.NewSessionsClient(cc), func() { _ = cc.Close() }, nil
}

// ---- utils ----

func printStruct(w io.Writer, s *structpb.Struct) error {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// parseWhen accepts an RFC 3339 timestamp or a duration meaning "that long before now".
func parseWhen(v string, now time.Time) (time.Time, error) {
	if v == "" || v == "now" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(strings.TrimPrefix(v, "-"))
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor a duration", v)
	}
	return now.Add(-d), nil
}

// ---- commands ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand(dial).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(connect connector) *cobra.Command {
	g := &globalOpts{}
	cmd := &cobra.Command{
		Use:           "saunactl",
		Short:         "Client for the saunalog session API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&g.addr, "addr", "localhost:8443", "server addr")
	pf.StringVar(&g.caPath, "cacert", "", "CA cert (PEM)")
	pf.BoolVar(&g.skipVerify, "insecure", false, "skip cert verify (dev)")
	pf.BoolVar(&g.plaintext, "plaintext", false, "connect without TLS (dev)")
	pf.DurationVar(&g.timeout, "timeout", 30*time.Second, "per-command timeout")

	// call runs one RPC and prints the response.
	call := func(cmd *cobra.Command, method string, req *structpb.Struct) error {
		cl, closeFn, err := connect(g)
		if err != nil {
			return err
		}
		defer closeFn()
		ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
		defer cancel()
		out, err := cl.Call(ctx, method, req)
		if err != nil {
			return err
		}
		return printStruct(cmd.OutOrStdout(), out)
	}

	cmd.AddCommand(
		newVersionCommand(),
		newSetTokenCommand(),
		newLinkCommand(call),
		newDiscoverCommand(call),
		newRangeCommand("sessions", "List sessions of a device started within a time range", api.MethodListSessions, call),
		newRangeCommand("measurements", "List measurements of a device within a time range", api.MethodListMeasurements, call),
		newSessionCommand("session-measurements", "Show a session with its measurements", api.MethodListSessionMeasurements, call),
		newSessionCommand("end-session", "End an ongoing session now", api.MethodEndSession, call),
	)
	return cmd
}

type callFunc func(cmd *cobra.Command, method string, req *structpb.Struct) error

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "saunactl %s (%s)\n", version, buildDate)
		},
	}
}

func newSetTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-token <jwt>",
		Short: "Store the API bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok := strings.TrimSpace(args[0])
			exp, err := tokenExpiry(tok)
			if err != nil {
				return err
			}
			if err := saveToken(tok, exp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "token saved to", tokenPath())
			return nil
		},
	}
}

func newLinkCommand(call callFunc) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link a vendor account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, api.MethodLinkAccount, convert.Request(map[string]string{
				"username": username, "password": password,
			}))
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "vendor username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "vendor password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newDiscoverCommand(call callFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Register the devices of the linked vendor account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, api.MethodDiscoverDevices, &structpb.Struct{})
		},
	}
}

func newRangeCommand(use, short, method string, call callFunc) *cobra.Command {
	var device, from, to string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now().UTC()
			f, err := parseWhen(from, now)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			t, err := parseWhen(to, now)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			return call(cmd, method, convert.Request(map[string]string{
				"device_id": device,
				"from":      f.Format(time.RFC3339Nano),
				"to":        t.Format(time.RFC3339Nano),
			}))
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "device id")
	cmd.Flags().StringVar(&from, "from", "24h", "range start (RFC 3339 or duration ago)")
	cmd.Flags().StringVar(&to, "to", "now", "range end (RFC 3339 or duration ago)")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func newSessionCommand(use, short, method string, call callFunc) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, method, convert.Request(map[string]string{"session_id": session}))
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
