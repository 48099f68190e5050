package template

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tmpl, err := Parse(`NAME       = "web-01"
CPU        = 0.5
MEMORY     = 1024
BACKUP_VMS = "10,11"
persistent = true`)
	require.NoError(t, err)

	assert.Equal(t, []string{"NAME", "CPU", "MEMORY", "BACKUP_VMS", "PERSISTENT"}, tmpl.Keys())
	assert.Equal(t, "web-01", tmpl.GetString("name"))
	assert.Equal(t, "true", tmpl.GetString("PERSISTENT"))

	cpu, ok := tmpl.GetFloat("CPU")
	assert.True(t, ok)
	assert.Equal(t, 0.5, cpu)

	mem, ok := tmpl.GetInt("MEMORY")
	assert.True(t, ok)
	assert.Equal(t, 1024, mem)

	_, ok = tmpl.GetInt("NAME")
	assert.False(t, ok)
	_, ok = tmpl.Get("MISSING")
	assert.False(t, ok)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"syntax", `CPU = `},
		{"block", "DISK {\n  SIZE = 1\n}"},
		{"list value", `VMS = [1, 2]`},
		{"variable", `CPU = var.cpu`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			assert.Error(t, err)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	tmpl, err := Parse("  \n")
	require.NoError(t, err)
	assert.Equal(t, 0, tmpl.Len())
}

func TestReplaceAppend(t *testing.T) {
	tmpl, err := Parse(`A = "1"
B = "2"`)
	require.NoError(t, err)

	require.NoError(t, tmpl.Append(`B = "3"
C = "4"`))
	assert.Equal(t, []string{"A", "B", "C"}, tmpl.Keys())
	assert.Equal(t, "3", tmpl.GetString("B"))

	require.NoError(t, tmpl.Replace(`D = "5"`))
	assert.Equal(t, []string{"D"}, tmpl.Keys())

	// a failed update leaves the template untouched
	assert.Error(t, tmpl.Replace(`D = `))
	assert.Equal(t, "5", tmpl.GetString("D"))
}

func TestSetErase(t *testing.T) {
	tmpl := New()
	tmpl.SetInt("vms", 1)
	tmpl.SetFloat("CPU", 1.5)
	tmpl.Set("NAME", "db")

	assert.Equal(t, 3, tmpl.Len())
	assert.Equal(t, "1.5", tmpl.GetString("CPU"))

	assert.True(t, tmpl.Erase("cpu"))
	assert.False(t, tmpl.Erase("CPU"))
	assert.Equal(t, []string{"VMS", "NAME"}, tmpl.Keys())
}

func TestClone(t *testing.T) {
	tmpl := New()
	tmpl.Set("A", "1")

	c := tmpl.Clone()
	c.Set("A", "2")
	assert.Equal(t, "1", tmpl.GetString("A"))

	var nilTmpl *Template
	assert.Equal(t, 0, nilTmpl.Clone().Len())
	assert.Equal(t, 0, nilTmpl.Len())
	assert.Equal(t, "", nilTmpl.String())
}

func TestStringRoundTrip(t *testing.T) {
	tmpl := New()
	tmpl.Set("NAME", `say "hi"`)
	tmpl.Set("CMD", "echo ${HOME} %{x}")
	tmpl.SetInt("MEMORY", 512)

	parsed, err := Parse(tmpl.String())
	require.NoError(t, err)
	assert.Equal(t, tmpl.Keys(), parsed.Keys())
	for _, k := range tmpl.Keys() {
		assert.Equal(t, tmpl.GetString(k), parsed.GetString(k), k)
	}
}

func TestJSON(t *testing.T) {
	type wrapper struct {
		Template *Template `json:"template"`
	}

	tmpl := New()
	tmpl.Set("BACKUP_VMS", "1,2")

	data, err := json.Marshal(wrapper{Template: tmpl})
	require.NoError(t, err)
	assert.JSONEq(t, `{"template":"BACKUP_VMS = \"1,2\"\n"}`, string(data))

	var out wrapper
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "1,2", out.Template.GetString("BACKUP_VMS"))
}
