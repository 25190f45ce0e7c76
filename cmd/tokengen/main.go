// Mints operator tokens for the HTTP facade when api_auth_enabled is set.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/axis-is/cloud-service/internal/tokens"
)

func main() {
	subject := flag.String("subject", "ops-console", "token subject")
	role := flag.String("role", tokens.RoleOperator, "token role (operator or viewer)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *role != tokens.RoleOperator && *role != tokens.RoleViewer {
		log.Fatalf("unknown role %q (want %s or %s)", *role, tokens.RoleOperator, tokens.RoleViewer)
	}

	secret := os.Getenv("API_JWT_SECRET")
	if secret == "" {
		log.Fatal("API_JWT_SECRET is not set")
	}

	token, err := tokens.NewManager(secret).Generate(*subject, *role, *ttl)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	fmt.Println(token)
}
