// Command token mints a service token for the settlement API.
//
//	token -sub ops-alice -role ADMIN -ttl 8h
//	token -sub cron -role SCHEDULER -ttl 10m
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/iliyamo/expert-settlement/internal/utils"
)

func main() {
	sub := flag.String("sub", "", "token subject: operator id for ADMIN, job name otherwise")
	role := flag.String("role", utils.RoleScheduler, "BOOKING, ADMIN or SCHEDULER")
	ttl := flag.Duration("ttl", 15*time.Minute, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is not set")
		os.Exit(2)
	}

	r := strings.ToUpper(*role)
	switch r {
	case utils.RoleBooking, utils.RoleAdmin, utils.RoleScheduler:
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(2)
	}
	if *ttl <= 0 {
		fmt.Fprintln(os.Stderr, "-ttl must be positive")
		os.Exit(2)
	}

	tok, err := utils.NewServiceToken(secret, *sub, r, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(tok.Token)
	fmt.Fprintf(os.Stderr, "expires %s\n", tok.Exp.Format(time.RFC3339))
}
