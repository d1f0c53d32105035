// Command token issues signed bearer tokens for local testing.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"beaconattend/internal/auth"
	"beaconattend/internal/config"
)

func main() {
	cfg := config.Load()

	subject := flag.String("sub", "", "user id the token is issued to")
	role := flag.String("role", auth.RoleStudent, "instructor or student")
	ttl := flag.Duration("ttl", cfg.AccessTTL, "access token lifetime")
	flag.Parse()

	tokens, err := auth.Issue(*subject, *role, cfg.JWTIssuer, cfg.JWTSigningKey, *ttl, cfg.RefreshTTL)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
		"role":          *role,
	}); err != nil {
		log.Fatalf("write token: %v", err)
	}
}
