package taskpod

import "testing"

func TestParseMount(t *testing.T) {
	for _, tc := range []struct {
		spec string
		want Mount
	}{
		{"/data/reports", Mount{Path: "/data/reports"}},
		{"/data/reports:write", Mount{Path: "/data/reports", Writable: true}},
		{"/data/reports:write,delete", Mount{Path: "/data/reports", Writable: true, Deletable: true}},
		{"/data/reports:delete", Mount{Path: "/data/reports", Deletable: true}},
	} {
		if got := ParseMount(tc.spec); got != tc.want {
			t.Errorf("ParseMount(%q) = %+v, want %+v", tc.spec, got, tc.want)
		}
	}
}

func TestManagerValidateMounts(t *testing.T) {
	m := &Manager{mountAllowlist: []string{"/data/reports", "/data/shared"}}

	if _, err := m.validateMounts(nil); err != nil {
		t.Errorf("validateMounts(nil) = %v, want nil", err)
	}

	if _, err := m.validateMounts([]string{"/data/reports/q3:write"}); err != nil {
		t.Errorf("validateMounts(allowed) = %v, want nil", err)
	}

	if _, err := m.validateMounts([]string{"/etc/passwd"}); err == nil {
		t.Error("validateMounts(disallowed path) = nil, want error")
	}
}

func TestManagerValidateMountsEmptyAllowlistDenies(t *testing.T) {
	m := &Manager{}

	if _, err := m.validateMounts([]string{"/data/reports"}); err == nil {
		t.Error("validateMounts with empty allowlist = nil, want error")
	}
}

func TestIsInsideSandbox(t *testing.T) {
	for _, tc := range []struct {
		dir, sandbox string
		want         bool
	}{
		{"/var/lib/brain/taskpods/abc", "/var/lib/brain/taskpods", true},
		{"/var/lib/brain/taskpods", "/var/lib/brain/taskpods", true},
		{"/etc/passwd", "/var/lib/brain/taskpods", false},
		{"/var/lib/brain/taskpods/../../etc", "/var/lib/brain/taskpods", false},
	} {
		if got := isInsideSandbox(tc.dir, tc.sandbox); got != tc.want {
			t.Errorf("isInsideSandbox(%q, %q) = %v, want %v", tc.dir, tc.sandbox, got, tc.want)
		}
	}
}
