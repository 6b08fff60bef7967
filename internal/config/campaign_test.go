package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCampaignFile_Valid(t *testing.T) {
	yaml := `
name: fuzz-batch
source: https://git.example.com/fuzz/batch.git
duration_minutes: 90
environment:
  - key: TARGET
    value: parser
  - key: SEED_DIR
    value: /corpus/seeds
`
	path := filepath.Join(t.TempDir(), "campaign.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write campaign file: %v", err)
	}

	cf, err := LoadCampaignFile(path)
	if err != nil {
		t.Fatalf("LoadCampaignFile() error = %v", err)
	}

	if cf.Name != "fuzz-batch" {
		t.Errorf("Name = %q, want fuzz-batch", cf.Name)
	}
	if cf.DurationMinutes != 90 {
		t.Errorf("DurationMinutes = %d, want 90", cf.DurationMinutes)
	}
	if len(cf.Environment) != 2 {
		t.Fatalf("len(Environment) = %d, want 2", len(cf.Environment))
	}
	if cf.Environment[1].Key != "SEED_DIR" || cf.Environment[1].Value != "/corpus/seeds" {
		t.Errorf("Environment[1] = %+v, unexpected", cf.Environment[1])
	}
}

func TestCampaignFile_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cf      CampaignFile
		wantErr bool
	}{
		{
			name: "valid minimal",
			cf: CampaignFile{
				Name:            "c1",
				Source:          "https://example.com/repo.git",
				DurationMinutes: 10,
			},
			wantErr: false,
		},
		{
			name: "missing name",
			cf: CampaignFile{
				Source:          "https://example.com/repo.git",
				DurationMinutes: 10,
			},
			wantErr: true,
		},
		{
			name: "relative source",
			cf: CampaignFile{
				Name:            "c1",
				Source:          "repo.git",
				DurationMinutes: 10,
			},
			wantErr: true,
		},
		{
			name: "zero duration",
			cf: CampaignFile{
				Name:   "c1",
				Source: "https://example.com/repo.git",
			},
			wantErr: true,
		},
		{
			name: "duplicate environment key",
			cf: CampaignFile{
				Name:            "c1",
				Source:          "https://example.com/repo.git",
				DurationMinutes: 10,
				Environment: []EnvVariable{
					{Key: "A", Value: "1"},
					{Key: "A", Value: "2"},
				},
			},
			wantErr: true,
		},
		{
			name: "empty environment key",
			cf: CampaignFile{
				Name:            "c1",
				Source:          "https://example.com/repo.git",
				DurationMinutes: 10,
				Environment:     []EnvVariable{{Value: "1"}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cf.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
