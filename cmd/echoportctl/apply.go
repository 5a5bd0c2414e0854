package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/echoport/echoport/internal/model"
	"github.com/echoport/echoport/internal/platform"
)

var validate = validator.New()

// targetSeed is the YAML shape of one target in an apply-targets file.
type targetSeed struct {
	Name           string   `yaml:"name" validate:"required,min=1,max=63"`
	Description    string   `yaml:"description"`
	Icon           string   `yaml:"icon"`
	Service        string   `yaml:"service" validate:"required"`
	DBPath         string   `yaml:"db_path"`
	BackupFiles    []string `yaml:"backup_files"`
	Schedule       string   `yaml:"schedule"`
	Status         string   `yaml:"status" validate:"omitempty,oneof=active paused disabled"`
	RetentionDays  int      `yaml:"retention_days" validate:"min=0,max=3650"`
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"min=0,max=86400"`
	Bucket         string   `yaml:"bucket"`
	ServiceName    string   `yaml:"service_name"`
}

type seedFile struct {
	Targets []targetSeed `yaml:"targets"`
}

func applyTargets(args []string) error {
	fs := flag.NewFlagSet("apply-targets", flag.ExitOnError)
	file := fs.String("file", "targets.yaml", "YAML file with target definitions")
	dryRun := fs.Bool("dry-run", false, "Validate the file without writing to the database")
	fs.Parse(args)

	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read %s: %w", *file, err)
	}

	var seeds seedFile
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return fmt.Errorf("parse %s: %w", *file, err)
	}
	if len(seeds.Targets) == 0 {
		return fmt.Errorf("%s contains no targets", *file)
	}

	for i, seed := range seeds.Targets {
		if err := validate.Struct(seed); err != nil {
			return fmt.Errorf("target %d (%s): %w", i, seed.Name, err)
		}
	}

	if *dryRun {
		fmt.Printf("%s: %d targets valid\n", *file, len(seeds.Targets))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	targets, closePool, err := connect(ctx)
	if err != nil {
		return err
	}
	defer closePool()

	for _, seed := range seeds.Targets {
		target := seedToTarget(seed)
		if err := targets.UpsertByName(ctx, target); err != nil {
			return fmt.Errorf("apply target %q: %w", seed.Name, err)
		}
		fmt.Printf("applied %s\n", seed.Name)
	}
	return nil
}

func seedToTarget(seed targetSeed) *model.Target {
	status := seed.Status
	if status == "" {
		status = model.TargetActive
	}
	retention := seed.RetentionDays
	if retention == 0 {
		retention = 30
	}
	timeout := seed.TimeoutSeconds
	if timeout == 0 {
		timeout = 600
	}
	bucket := seed.Bucket
	if bucket == "" {
		bucket = "backups"
	}

	now := time.Now().UTC()
	return &model.Target{
		ID:             platform.NewID(),
		Name:           seed.Name,
		Description:    seed.Description,
		Icon:           seed.Icon,
		Service:        seed.Service,
		DBPath:         seed.DBPath,
		BackupFiles:    seed.BackupFiles,
		Schedule:       seed.Schedule,
		Status:         status,
		RetentionDays:  retention,
		TimeoutSeconds: timeout,
		StorageBucket:  bucket,
		ServiceName:    seed.ServiceName,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
