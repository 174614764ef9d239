package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/attest"
	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
	"github.com/DisCard-Technologies/discard-sub016/pkg/policy"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-key":
		return genKey(args[1:], out)
	case "binding-hash":
		return bindingHash(args[1:], out)
	case "sign-intent":
		return signIntent(args[1:], out)
	case "verify-intent":
		return verifyIntent(args[1:], out)
	case "evaluate-plan":
		return evaluatePlan(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "soulctl commands:")
	fmt.Fprintln(out, "  gen-key --out-seed attestor.seed --out-public attestor.pub")
	fmt.Fprintln(out, "  binding-hash --request request.json --user u1")
	fmt.Fprintln(out, "  sign-intent --request request.json --user u1 --seed attestor.seed [--key-id soul-local] [--out signed.json]")
	fmt.Fprintln(out, "  verify-intent --intent signed.json --public attestor.pub")
	fmt.Fprintln(out, "  evaluate-plan --plan plan.json [--policy-config policies.yaml] [--spending spending.json]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func readFile(kind, path string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", kind, err)
	}
	return raw, nil
}

// genKey writes a base64 Ed25519 seed, the format ATTESTOR_SEED takes.
func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	outSeed := fs.String("out-seed", "attestor.seed", "seed output")
	outPub := fs.String("out-public", "attestor.pub", "public key output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return fmt.Errorf("generate seed: %w", err)
	}
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	if err := os.WriteFile(*outSeed, []byte(base64.StdEncoding.EncodeToString(seed)), 0o600); err != nil {
		return fmt.Errorf("write seed: %w", err)
	}
	if err := os.WriteFile(*outPub, []byte(base64.StdEncoding.EncodeToString(pub)), 0o600); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s and %s\n", *outSeed, *outPub)
	return nil
}

func loadRequest(path string) (models.VerificationRequest, error) {
	var req models.VerificationRequest
	raw, err := readFile("request", path)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return req, fmt.Errorf("validate request: %w", err)
	}
	return req, nil
}

func bindingHash(args []string, out io.Writer) error {
	fs := newFlagSet("binding-hash")
	reqPath := fs.String("request", "", "verification request file")
	userID := fs.String("user", "", "user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *reqPath == "" || *userID == "" {
		return errors.New("request and user required")
	}
	req, err := loadRequest(*reqPath)
	if err != nil {
		return err
	}
	nonce, err := attest.BindingNonce(req, *userID)
	if err != nil {
		return fmt.Errorf("binding hash: %w", err)
	}
	fmt.Fprintln(out, nonce)
	return nil
}

// signIntent quotes and signs a request offline with a local seed. It skips
// every verification stage and exists to produce fixtures.
func signIntent(args []string, out io.Writer) error {
	fs := newFlagSet("sign-intent")
	reqPath := fs.String("request", "", "verification request file")
	userID := fs.String("user", "", "user id")
	seedPath := fs.String("seed", "", "base64 seed file")
	keyID := fs.String("key-id", "soul-local", "key id")
	outPath := fs.String("out", "", "output path, stdout when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *reqPath == "" || *userID == "" || *seedPath == "" {
		return errors.New("request, user, seed required")
	}
	req, err := loadRequest(*reqPath)
	if err != nil {
		return err
	}
	seed, err := readFile("seed", *seedPath)
	if err != nil {
		return err
	}
	provider, err := attest.LocalProviderFromSeed(string(seed), *keyID)
	if err != nil {
		return fmt.Errorf("load seed: %w", err)
	}
	ctx := context.Background()
	nonce, err := attest.BindingNonce(req, *userID)
	if err != nil {
		return fmt.Errorf("binding hash: %w", err)
	}
	quote, err := provider.Quote(ctx, nonce)
	if err != nil {
		return fmt.Errorf("quote: %w", err)
	}
	signed, err := attest.SignIntent(ctx, provider, req, *userID, quote, time.Now())
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(signed, "", "  ")
	if err != nil {
		return fmt.Errorf("encode signed intent: %w", err)
	}
	if *outPath == "" {
		fmt.Fprintln(out, string(encoded))
		return nil
	}
	if err := os.WriteFile(*outPath, encoded, 0o600); err != nil {
		return fmt.Errorf("write signed intent: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", *outPath)
	return nil
}

func verifyIntent(args []string, out io.Writer) error {
	fs := newFlagSet("verify-intent")
	intentPath := fs.String("intent", "", "signed intent file")
	pubPath := fs.String("public", "", "base64 public key file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *intentPath == "" || *pubPath == "" {
		return errors.New("intent and public required")
	}
	raw, err := readFile("signed intent", *intentPath)
	if err != nil {
		return err
	}
	var signed models.SignedIntent
	if err := json.Unmarshal(raw, &signed); err != nil {
		return fmt.Errorf("decode signed intent: %w", err)
	}
	pubRaw, err := readFile("public key", *pubPath)
	if err != nil {
		return err
	}
	pub, err := attest.ParsePublicKey(strings.TrimSpace(string(pubRaw)))
	if err != nil {
		return err
	}
	if err := attest.VerifySignedIntent(pub, signed); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	fmt.Fprintf(out, "valid signature key=%s payload=%s\n", signed.KeyID, signed.PayloadHash)
	return nil
}

func evaluatePlan(args []string, out io.Writer) error {
	fs := newFlagSet("evaluate-plan")
	planPath := fs.String("plan", "", "structured plan file")
	configPath := fs.String("policy-config", "", "policy config yaml")
	spendingPath := fs.String("spending", "", "spending context file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *planPath == "" {
		return errors.New("plan required")
	}
	raw, err := readFile("plan", *planPath)
	if err != nil {
		return err
	}
	var plan models.StructuredPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return fmt.Errorf("decode plan: %w", err)
	}
	var opts []policy.Option
	if *configPath != "" {
		cfg, err := policy.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		opts = cfg.Options()
	}
	var spending models.SpendingContext
	if *spendingPath != "" {
		raw, err := readFile("spending", *spendingPath)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &spending); err != nil {
			return fmt.Errorf("decode spending: %w", err)
		}
	}
	result := policy.NewEngine(opts...).EvaluatePlan(plan, nil, spending, nil)
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}
