// Command mint-token signs an access token for local development.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"

	"ontour.app/internal/auth"
	"ontour.app/internal/ids"
)

func main() {
	log.SetFlags(0)
	flags := pflag.NewFlagSet("mint-token", pflag.ExitOnError)
	user := flags.String("user", "", "user id (random when empty)")
	org := flags.String("org", "", "organization id")
	role := flags.String("role", auth.RoleMember, "role name")
	perms := flags.StringSlice("perm", nil, "extra permission codes, repeatable")
	superAdmin := flags.Bool("superadmin", false, "issue a superadmin token")
	issuer := flags.String("issuer", os.Getenv("ONTOUR_AUTH_ISSUER"), "token issuer")
	ttl := flags.Duration("ttl", time.Hour, "token lifetime")
	_ = flags.Parse(os.Args[1:])

	secret := os.Getenv("ONTOUR_AUTH_SECRET")
	if secret == "" {
		log.Fatal("ONTOUR_AUTH_SECRET is required")
	}
	codec, err := auth.NewCodec([]byte(secret), auth.WithIssuer(*issuer))
	if err != nil {
		log.Fatalf("codec: %v", err)
	}

	claims := auth.Claims{
		UserID:      *user,
		Role:        *role,
		Permissions: *perms,
	}
	if claims.UserID == "" {
		claims.UserID = ids.New()
	}
	if *superAdmin {
		claims.Scope = auth.ScopeSuperAdmin
	}
	if *org != "" {
		claims.OrganizationID = org
	}
	if !*superAdmin && *org == "" {
		log.Fatal("--org is required unless --superadmin is set")
	}

	token, err := codec.Sign(claims, *ttl)
	if err != nil {
		log.Fatalf("sign: %v", err)
	}
	fmt.Println(token)
}
