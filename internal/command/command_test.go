package command

import (
	"reflect"
	"testing"
)

func TestParseSingleCommands(t *testing.T) {
	p := Parser{Prefix: '/'}

	cases := []struct {
		body string
		want []Command
	}{
		{"/retest tox", []Command{{Name: "retest", Arg: "tox"}}},
		{"/wip cancel", []Command{{Name: "wip", Negate: true}}},
		{"/hold", []Command{{Name: "hold"}}},
		{"/cherry-pick release-1.0 release-1.1", []Command{{Name: "cherry-pick", Arg: "release-1.0 release-1.1"}}},
		{"  /verified  ", []Command{{Name: "verified"}}},
		{"just a regular comment", nil},
		{"", nil},
		{"trailing /hold does not count", nil},
	}

	for _, tc := range cases {
		got := p.Parse(tc.body)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Parse(%q) = %+v, want %+v", tc.body, got, tc.want)
		}
	}
}

func TestParseMultipleCommandsKeepOrder(t *testing.T) {
	p := Parser{Prefix: '/'}
	got := p.Parse("/wip\n/hold cancel\n/retest tox")
	want := []Command{
		{Name: "wip"},
		{Name: "hold", Negate: true},
		{Name: "retest", Arg: "tox"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Parse = %+v, want %+v", got, want)
	}
}

func TestParseBangPrefixWithLeadingDash(t *testing.T) {
	p := Parser{Prefix: '!'}

	got := p.Parse("!-lgtm")
	want := []Command{{Name: "lgtm", Negate: true}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Parse(!-lgtm) = %+v, want %+v", got, want)
	}

	got = p.Parse("!verified")
	want = []Command{{Name: "verified"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Parse(!verified) = %+v, want %+v", got, want)
	}
}

func TestParseSkipsWelcomeBody(t *testing.T) {
	welcome := "Welcome!\n\n * To mark as verified comment /verified\n"
	p := Parser{Prefix: '/', WelcomeBody: welcome}

	if got := p.Parse(welcome); got != nil {
		t.Fatalf("Parse(welcome) = %+v, want nil", got)
	}
	// A different comment still parses.
	if got := p.Parse("/hold"); len(got) != 1 {
		t.Fatalf("Parse(/hold) = %+v, want one command", got)
	}
}

func TestVocabulary(t *testing.T) {
	if !IsUserLabel("lgtm") || !IsUserLabel("hold") {
		t.Error("IsUserLabel vocabulary missing lgtm/hold")
	}
	if IsUserLabel("totally-made-up") {
		t.Error("IsUserLabel(totally-made-up) = true")
	}
}
