package archive

import (
	"context"
	"path/filepath"
	"testing"

	"collabd/internal/config"
)

func TestNewArchiveFromConfig(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.ArchiveConfig
		wantErr  bool
		validate bool
	}{
		{
			name:     "memory archive",
			cfg:      config.ArchiveConfig{Type: "memory"},
			validate: true,
		},
		{
			name:     "empty type defaults to memory",
			cfg:      config.ArchiveConfig{},
			validate: true,
		},
		{
			name:     "filesystem archive",
			cfg:      config.ArchiveConfig{Type: "filesystem", FSRoot: filepath.Join(t.TempDir(), "exports")},
			validate: true,
		},
		{
			name:    "filesystem archive without root",
			cfg:     config.ArchiveConfig{Type: "filesystem"},
			wantErr: true,
		},
		{
			name: "s3 archive",
			cfg: config.ArchiveConfig{
				Type:              "s3",
				S3Bucket:          "exports",
				S3Region:          "us-east-1",
				S3Endpoint:        "http://127.0.0.1:9000",
				S3AccessKeyID:     "test",
				S3SecretAccessKey: "test",
			},
		},
		{
			name:    "s3 archive without bucket",
			cfg:     config.ArchiveConfig{Type: "s3", S3Region: "us-east-1"},
			wantErr: true,
		},
		{
			name:    "unknown archive type",
			cfg:     config.ArchiveConfig{Type: "tape"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			got, err := NewArchiveFromConfig(ctx, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewArchiveFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.validate {
				if err := got.ValidateSetup(ctx); err != nil {
					t.Errorf("ValidateSetup() error = %v", err)
				}
			}
		})
	}
}
