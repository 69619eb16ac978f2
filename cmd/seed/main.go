// Command seed fills a development database with fake infraction history.
package main

import (
	"context"
	"flag"
	"log"

	"warden/internal/config"
	"warden/internal/database"
	"warden/internal/seed"
)

func main() {
	communities := flag.Int("communities", 3, "Number of communities to create")
	subjects := flag.Int("subjects", 25, "Members with history per community")
	history := flag.Int("history", 4, "Maximum past infractions per member")
	days := flag.Int("days", 90, "How many days back history reaches")
	shouldClean := flag.Bool("clean", true, "Delete existing infractions before seeding")
	randSeed := flag.Int64("seed", 0, "Random seed (0 picks one from the clock)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.IsProduction() {
		log.Fatal("refusing to seed a production database")
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := database.ApplySchema(context.Background(), db, cfg); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	report, err := seed.Infractions(db, seed.Options{
		Communities: *communities,
		Subjects:    *subjects,
		MaxHistory:  *history,
		MaxDays:     *days,
		Seed:        *randSeed,
		Clean:       *shouldClean,
	})
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}

	log.Printf("seeded %d infractions (%d active)", report.Created, report.Active)
}
