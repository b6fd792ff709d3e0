package model

import "testing"

func TestParseRepoIDModernForm(t *testing.T) {
	id, err := ParseRepoID("github.com/acme/app")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Host != "github.com" || id.Owner != "acme" || id.Name != "app" {
		t.Fatalf("unexpected repo id: %+v", id)
	}
}

func TestParseRepoIDLegacyForm(t *testing.T) {
	id, err := ParseRepoID("acme/app")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Host != "github.com" || id.Owner != "acme" || id.Name != "app" {
		t.Fatalf("unexpected repo id: %+v", id)
	}
}

func TestParseRepoIDInvalid(t *testing.T) {
	if _, err := ParseRepoID("not-a-repo-id"); err == nil {
		t.Fatal("expected error for unparseable repo id")
	}
}

func TestRepoIDDistinctAcrossHosts(t *testing.T) {
	a := RepoID{Host: "github.com", Owner: "acme", Name: "app"}
	b := RepoID{Host: "github.mycompany.com", Owner: "acme", Name: "app"}
	if a == b {
		t.Fatal("repo ids on different hosts must not be equal")
	}
	if a.String() == b.String() {
		t.Fatal("repo id string forms on different hosts must differ")
	}
}

func TestIsWorkflowColumn(t *testing.T) {
	for _, c := range []string{StatusResearch, StatusPlan, StatusImplement, StatusValidate} {
		if !IsWorkflowColumn(c) {
			t.Fatalf("expected %q to be a workflow column", c)
		}
	}
	for _, c := range []string{StatusBacklog, StatusUnknown, "Done"} {
		if IsWorkflowColumn(c) {
			t.Fatalf("expected %q to not be a workflow column", c)
		}
	}
}
