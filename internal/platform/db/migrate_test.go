package db

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/radiologia/ocorrencias/migrations"
)

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"001_ocorrencias.sql": {Data: []byte("CREATE TABLE ocorrencias_administrativas (id UUID PRIMARY KEY);")},
		"002_anexos.sql":      {Data: []byte("CREATE TABLE anexos_ocorrencia (id UUID PRIMARY KEY);")},
		"003_historico.sql":   {Data: []byte("CREATE TABLE historico_status (id UUID PRIMARY KEY);")},
	}

	migrator := NewMigrator(nil, files)
	migs, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migs) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migs))
	}
	if migs[0].Version != 1 || migs[0].Name != "001_ocorrencias.sql" {
		t.Errorf("unexpected first migration %+v", migs[0])
	}
	if !strings.Contains(migs[0].SQL, "ocorrencias_administrativas") {
		t.Errorf("unexpected SQL content: %s", migs[0].SQL)
	}
	if migs[2].Version != 3 {
		t.Errorf("expected version 3, got %d", migs[2].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	files := fstest.MapFS{
		"010_late.sql":  {Data: []byte("SELECT 10;")},
		"002_mid.sql":   {Data: []byte("SELECT 2;")},
		"001_first.sql": {Data: []byte("SELECT 1;")},
	}

	migs, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	want := []int{1, 2, 10}
	for i, v := range want {
		if migs[i].Version != v {
			t.Errorf("position %d: expected version %d, got %d", i, v, migs[i].Version)
		}
	}
}

func TestLoadMigrations_SkipsInvalidNames(t *testing.T) {
	files := fstest.MapFS{
		"001_valid.sql":   {Data: []byte("SELECT 1;")},
		"readme.md":       {Data: []byte("# notes")},
		"abc_invalid.sql": {Data: []byte("SELECT 2;")},
		"noprefix.sql":    {Data: []byte("SELECT 3;")},
		"sub/002_x.sql":   {Data: []byte("SELECT 4;")},
	}

	migs, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) != 1 || migs[0].Name != "001_valid.sql" {
		t.Fatalf("expected only 001_valid.sql, got %+v", migs)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"001_b.sql": {Data: []byte("SELECT 2;")},
	}
	if _, err := NewMigrator(nil, files).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate versions")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migs, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migs))
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	migs, err := NewMigrator(nil, migrations.FS).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) == 0 || migs[0].Version != 1 {
		t.Fatalf("expected embedded migrations starting at 1, got %+v", migs)
	}
	for _, table := range []string{"revisoes_laudo", "anexos_ocorrencia", "historico_status"} {
		if !strings.Contains(migs[0].SQL, table) {
			t.Errorf("expected %s in the first migration", table)
		}
	}
}
