package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/boatride/slot-booking-backend/internal/utils"
	"github.com/boatride/slot-booking-backend/pkg/jwt"
)

func main() {
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "sign a token with this secret instead of generating a new one")
	roles := flag.String("roles", "", "comma-separated roles for a development token (rider, operator)")
	user := flag.String("user", "", "user ID for the development token (random when empty)")
	ttl := flag.Duration("ttl", 24*time.Hour, "development token lifetime")
	flag.Parse()

	fmt.Println("===========================================")
	fmt.Println("JWT Secret Generator")
	fmt.Println("===========================================")
	fmt.Println()

	if *secret == "" {
		generated, err := utils.GenerateSecret(32) // 256-bit
		if err != nil {
			log.Fatalf("Failed to generate secret: %v", err)
		}
		*secret = generated

		fmt.Println("Add this to your .env file:")
		fmt.Println()
		fmt.Printf("JWT_SECRET=%s\n", generated)
		fmt.Println()
	}

	if *roles == "" {
		fmt.Println("IMPORTANT: Keep secrets safe and never commit them to version control!")
		return
	}

	userID := uuid.New()
	if *user != "" {
		parsed, err := uuid.Parse(*user)
		if err != nil {
			log.Fatalf("Invalid user ID: %v", err)
		}
		userID = parsed
	}

	var roleList []string
	for _, r := range strings.Split(*roles, ",") {
		r = strings.TrimSpace(r)
		if r != jwt.RoleRider && r != jwt.RoleOperator {
			log.Fatalf("Unknown role %q (must be %s or %s)", r, jwt.RoleRider, jwt.RoleOperator)
		}
		roleList = append(roleList, r)
	}

	token, err := jwt.NewService(*secret, *ttl).GenerateAccessToken(userID, roleList)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}

	fmt.Printf("Development token for %s (%s), valid %s:\n\n", userID, strings.Join(roleList, ","), *ttl)
	fmt.Println(token)
	fmt.Println()
	fmt.Println("===========================================")
}
