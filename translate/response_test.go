package translate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepherg/omi"
)

const okResponse = `<?xml version="1.0" encoding="UTF-8"?>
<omiEnvelope xmlns="http://www.opengroup.org/xsd/omi/1.0/" version="1.0" ttl="1.0">
  <response>
    <result msgformat="odf">
      <return returnCode="200"/>
      <msg>
        <Objects xmlns="http://www.opengroup.org/xsd/odf/1.0/">
          <Object>
            <id>K1</id>
            <Object>
              <id>101</id>
              <InfoItem name="co2">
                <value type="xs:double" unixTime="1488362400">412.5</value>
                <value type="xs:double" dateTime="2017-03-01T10:05:00Z">415</value>
              </InfoItem>
            </Object>
          </Object>
        </Objects>
      </msg>
    </result>
  </response>
</omiEnvelope>`

func TestDecodeStatus(t *testing.T) {
	cases := []struct {
		body string
		want Status
	}{
		{okResponse, Status{Code: 200, OK: true}},
		{`<return returnCode="404"/>`, Status{Code: 404, OK: true}},
		{`<return returnCode="500" description="boom"`, Status{Code: 500, OK: true}},
		{`<return returnCode="20"/>`, Status{}},
		{`not xml at all`, Status{}},
		{``, Status{}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DecodeStatus([]byte(tc.body)), tc.body)
	}
}

func TestParseResponse(t *testing.T) {
	values, err := ParseResponse([]byte(okResponse))
	require.NoError(t, err)
	require.Len(t, values, 2)

	assert.Equal(t, "K1/101", values[0].Path)
	assert.Equal(t, "co2", values[0].InfoItem)
	assert.Equal(t, 412.5, values[0].Typed())
	assert.True(t, values[0].Time.Equal(time.Unix(1488362400, 0)))

	assert.Equal(t, float64(415), values[1].Typed())
	assert.True(t, values[1].Time.Equal(time.Date(2017, 3, 1, 10, 5, 0, 0, time.UTC)))
}

func TestParseResponseMalformed(t *testing.T) {
	_, err := ParseResponse([]byte(`<omiEnvelope ttl=></omiEnvelope>`))
	assert.ErrorIs(t, err, omi.ErrMalformedResponse)

	_, err = ParseResponse([]byte(`no document here`))
	assert.ErrorIs(t, err, omi.ErrMalformedResponse)
}

func TestValueHandlerParse(t *testing.T) {
	var got []Value
	var sources []string
	h := ValueHandler{OnValue: func(src string, v Value) {
		sources = append(sources, src)
		got = append(got, v)
	}}
	h.Parse(okResponse, "wss://node/omi")
	require.Len(t, got, 2)
	assert.Equal(t, []string{"wss://node/omi", "wss://node/omi"}, sources)

	got = nil
	h.Parse("garbage", "wss://node/omi")
	assert.Empty(t, got)
}
