package secret

import (
	"encoding/json"
	"fmt"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func TestSecret(t *testing.T) {
	s := String("secret")
	assert.Check(t, cmp.Equal(s.Raw(), "secret"))
	assert.Check(t, cmp.Equal(fmt.Sprintf("%v", s), "REDACTED"))
	assert.Check(t, cmp.Equal(fmt.Sprintf("%#v", s), "REDACTED"))
	assert.Check(t, cmp.Equal(s.String(), "REDACTED"))
	assert.Check(t, cmp.Equal(s.GoString(), "REDACTED"))
	assert.Check(t, s.IsSet())
	assert.Check(t, !String("").IsSet())

	b, err := json.Marshal(struct {
		Password String `json:"password"`
	}{Password: s})
	assert.Assert(t, err)
	assert.Check(t, cmp.Equal(string(b), `{"password":"REDACTED"}`))
}
