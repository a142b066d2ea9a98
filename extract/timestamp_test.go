package extract

import "testing"

func TestNormalizeTimestamp(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"chinese long form pm", "2025年10月18日 星期六 下午11时59分59秒", "2025-10-18T23:59:59+08:00"},
		{"chinese long form with zone", "2025年10月18日 星期六 上午12时05分00秒 CST", "2025-10-18T00:05:00+08:00"},
		{"chinese noon", "2025年3月1日 中午1时00分00秒", "2025-03-01T13:00:00+08:00"},
		{"chinese evening", "2025年3月1日 晚上8时30分00秒", "2025-03-01T20:30:00+08:00"},
		{"chinese pm at noon stays", "2025年3月1日 下午12时00分00秒", "2025-03-01T12:00:00+08:00"},
		{"bare date", "2025-9-26", "2025-09-26"},
		{"bare date slashes", "2025/09/26", "2025-09-26"},
		{"date time", "2025-10-18 23:59", "2025-10-18T23:59:00+08:00"},
		{"date time marker before", "2025-10-18 下午 11:59", "2025-10-18T23:59:00+08:00"},
		{"date time english marker", "2025-10-18 11:59 PM", "2025-10-18T23:59:00+08:00"},
		{"two digit year", "25-10-18 9:05", "2025-10-18T09:05:00+08:00"},
		{"iso keeps offset", "2025-10-18T15:59:59Z", "2025-10-18T15:59:59Z"},
		{"iso with space", "2025-10-18 15:59:59+09:00", "2025-10-18T15:59:59+09:00"},
		{"padded whitespace", "  2025-9-26 \n", "2025-09-26"},
		{"unparseable", "TBD", "TBD"},
		{"invalid calendar date", "2025-02-30", "2025-02-30"},
		{"invalid hour", "2025-10-18 25:00", "2025-10-18 25:00"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeTimestamp(tt.raw); got != tt.want {
				t.Errorf("NormalizeTimestamp(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseMS(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
	}{
		{"1760803199000", 1760803199000},
		{"0", 0},
		{"", 0},
		{"abc", 0},
		{"9223372036854775807", 0},
	}
	for _, tt := range tests {
		if got := parseMS(tt.raw); got != tt.want {
			t.Errorf("parseMS(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestMSToISO(t *testing.T) {
	if got, want := msToISO(1760803199000), "2025-10-18T23:59:59+08:00"; got != want {
		t.Errorf("msToISO() = %q, want %q", got, want)
	}
	if got := msToISO(0); got != "" {
		t.Errorf("msToISO(0) = %q, want empty", got)
	}
}
