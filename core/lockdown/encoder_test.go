package lockdown

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

func TestEncode(t *testing.T) {
	data, err := Encode("Algebra I", "42", Settings{
		QuitPassword: "letmeout",
		AllowedURLs:  []string{"docs.school.test/*", "  "},
	}, "https://exams.school.test/")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "<?xml"))

	var got map[string]interface{}
	_, err = plist.Unmarshal(data, &got)
	require.NoError(t, err)

	assert.Equal(t, "https://exams.school.test/exams/42/take", got["startURL"])
	assert.Equal(t, "Algebra I", got["examTitle"])
	assert.Equal(t, false, got["allowQuit"])
	assert.Equal(t, HashPassword("letmeout"), got["hashedQuitPassword"])
	assert.Equal(t, uint64(1), got["browserViewMode"])
	assert.Equal(t, true, got["URLFilterEnable"])
	for _, key := range []string{"enableF1", "enableF5", "enableF12", "allowBrowsingBackForward", "enablePrintScreen", "enableAltTab"} {
		assert.Equal(t, false, got[key], key)
	}

	rules, ok := got["URLFilterRules"].([]interface{})
	require.True(t, ok)
	require.Len(t, rules, 2)
	assert.Equal(t, "exams.school.test/*", rules[0].(map[string]interface{})["expression"])
	assert.Equal(t, "docs.school.test/*", rules[1].(map[string]interface{})["expression"])
}

func TestEncode_NoPassword(t *testing.T) {
	data, err := Encode("Quiz", "q1", Settings{AllowQuit: true}, "http://localhost:8000")
	require.NoError(t, err)

	var got map[string]interface{}
	_, err = plist.Unmarshal(data, &got)
	require.NoError(t, err)
	assert.NotContains(t, got, "hashedQuitPassword")
	assert.Equal(t, true, got["allowQuit"])
	assert.Equal(t, "http://localhost:8000/exams/q1/take", got["startURL"])
}

func TestEncode_InvalidBaseURL(t *testing.T) {
	for _, base := range []string{"", "exams.school.test", "ftp://exams.school.test", "://"} {
		if _, err := Encode("Quiz", "q1", Settings{}, base); err != ErrInvalidBaseURL {
			t.Errorf("Encode(%q) error = %v, want %v", base, err, ErrInvalidBaseURL)
		}
	}
}

func TestHashPassword(t *testing.T) {
	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", HashPassword("abc"))
}

func TestFilename(t *testing.T) {
	tests := []struct {
		title, id, want string
	}{
		{"Algebra I", "1", "Algebra-I.seb"},
		{"  Final/Exam?  ", "2", "FinalExam.seb"},
		{"???", "3", "exam-3.seb"},
	}
	for _, tt := range tests {
		if got := Filename(tt.title, tt.id); got != tt.want {
			t.Errorf("Filename(%q) = %q, want %q", tt.title, got, tt.want)
		}
	}
}
