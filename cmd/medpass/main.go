// Package main provides a small CLI exercising the session subsystem
// against a medpass API: login, whoami, signup and logout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"medpass/internal/api"
	"medpass/internal/credstore"
	"medpass/internal/platform/config"
	"medpass/internal/platform/logger"
	"medpass/internal/session"
	"medpass/internal/tokens"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	loginCmd := flag.NewFlagSet("login", flag.ExitOnError)
	loginEmail := loginCmd.String("email", "", "Account email")
	loginPassword := loginCmd.String("password", "", "Account password")

	signupCmd := flag.NewFlagSet("signup", flag.ExitOnError)
	signupEmail := signupCmd.String("email", "", "Account email")
	signupPassword := signupCmd.String("password", "", "Account password")
	signupFirst := signupCmd.String("first-name", "", "First name")
	signupLast := signupCmd.String("last-name", "", "Last name")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()

	// Storage tiers: sealed (hardened) with plaintext file fallback. A
	// sealed-store failure is logged and degraded, never fatal.
	hardened, err := credstore.NewSealed(
		filepath.Join(cfg.DataDir, "sealed.json"), cfg.DeviceSecretPath)
	if err != nil {
		log.Warn("hardened credential tier unavailable", "error", err)
		hardened = nil
	}
	fast, err := credstore.NewFile(filepath.Join(cfg.DataDir, "credentials.json"))
	if err != nil {
		log.Error("cannot open credential storage", "error", err)
		os.Exit(1)
	}
	var hardenedStore credstore.Store
	if hardened != nil {
		hardenedStore = hardened
	}
	store := credstore.NewTiered(hardenedStore, fast, log)

	holder := tokens.New(store, log)
	client := api.New(cfg.APIBaseURL, holder,
		api.WithTimeout(cfg.RequestTimeout),
		api.WithLogger(log),
	)

	opts := []session.ManagerOption{session.WithLogger(log)}
	if cfg.FixtureCredentials {
		opts = append(opts, session.WithResolver(demoResolver()))
	}
	manager := session.NewManager(client, holder, store, opts...)
	client.OnAuthExpired(manager.HandleAuthExpired)

	if err := manager.CheckAuth(ctx); err != nil {
		log.Warn("session bootstrap failed", "error", err)
	}

	switch os.Args[1] {
	case "login":
		_ = loginCmd.Parse(os.Args[2:])
		runLogin(ctx, manager, *loginEmail, *loginPassword)
	case "signup":
		_ = signupCmd.Parse(os.Args[2:])
		runSignup(ctx, manager, &api.SignupRequest{
			Email:     *signupEmail,
			Password:  *signupPassword,
			FirstName: *signupFirst,
			LastName:  *signupLast,
		})
	case "whoami":
		runWhoami(ctx, manager, client)
	case "logout":
		manager.Logout(ctx)
		// Give the detached remote logout call a moment to leave the
		// process; local cleanup has already completed.
		time.Sleep(250 * time.Millisecond)
		fmt.Println("logged out")
	default:
		usage()
		os.Exit(2)
	}
}

func runLogin(ctx context.Context, manager *session.Manager, email, password string) {
	if email == "" || password == "" {
		fmt.Fprintln(os.Stderr, "login requires -email and -password")
		os.Exit(2)
	}
	resp, err := manager.Login(ctx, email, password)
	if err != nil {
		fmt.Fprintln(os.Stderr, manager.State().Error)
		os.Exit(1)
	}
	if resp.RequiresTwoFactor {
		fmt.Println("two-factor code required; session not established")
		return
	}
	state := manager.State()
	if state.Suspended {
		fmt.Println("account suspended; logging out")
		manager.Logout(ctx)
		time.Sleep(250 * time.Millisecond)
		os.Exit(1)
	}
	fmt.Printf("logged in as %s (%s)\n", resp.User.Email, state.AccountType)
}

func runSignup(ctx context.Context, manager *session.Manager, req *api.SignupRequest) {
	if req.Email == "" || req.Password == "" {
		fmt.Fprintln(os.Stderr, "signup requires -email and -password")
		os.Exit(2)
	}
	resp, err := manager.Signup(ctx, req)
	if err != nil {
		fmt.Fprintln(os.Stderr, manager.State().Error)
		os.Exit(1)
	}
	if !manager.State().IsAuthenticated {
		fmt.Printf("account created (%s); check your email to verify\n", resp.Email)
		return
	}
	fmt.Printf("account created and logged in as %s\n", resp.Email)
}

func runWhoami(ctx context.Context, manager *session.Manager, client *api.Client) {
	if !manager.IsAuthenticated() {
		fmt.Println("not logged in")
		return
	}
	identity, err := client.Me(ctx)
	if err != nil {
		// Fall back to the cached identity when the server is unreachable.
		identity = manager.Identity()
		if identity == nil {
			fmt.Println("not logged in")
			return
		}
	} else {
		manager.SetUser(ctx, identity)
	}
	out, _ := json.MarshalIndent(identity, "", "  ")
	fmt.Println(string(out))
}

// demoResolver serves the fixture accounts used by local demos.
func demoResolver() session.CredentialResolver {
	demo := &api.LoginResponse{User: &api.Identity{
		ID:            "usr_demo",
		Email:         "demo@medpass.app",
		FirstName:     "Demo",
		LastName:      "User",
		EmailVerified: true,
		AccountType:   session.AccountTypeIndividual,
	}}
	demo.Token = "tok_demo"
	demo.RefreshToken = "ref_demo"
	return session.NewFixtureResolver(map[string]session.FixtureAccount{
		"demo@medpass.app": {Password: "demo", Response: demo},
	})
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: medpass <command> [flags]

commands:
  login   -email <email> -password <password>
  signup  -email <email> -password <password> [-first-name X] [-last-name Y]
  whoami
  logout`)
}
