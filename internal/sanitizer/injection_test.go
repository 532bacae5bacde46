package sanitizer

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanValueForLFIDetectsTraversal(t *testing.T) {
	assert.Equal(t, `\.\./`, ScanValueForLFI("../../etc/passwd"))
}

func TestScanValueForLFIDetectsWrapperScheme(t *testing.T) {
	assert.NotEmpty(t, ScanValueForLFI("php://filter/convert.base64-encode/resource=index.php"))
}

func TestScanValueForLFIDetectsEncodedTraversal(t *testing.T) {
	encoded := url.QueryEscape("../../etc/passwd")
	assert.NotEmpty(t, ScanValueForLFI(encoded))
}

func TestScanValueForLFIDetectsDoubleEncodedTraversal(t *testing.T) {
	once := url.QueryEscape("../../etc/passwd")
	twice := url.QueryEscape(once)
	assert.NotEmpty(t, ScanValueForLFI(twice))
}

func TestScanValueForLFIIgnoresBenignValue(t *testing.T) {
	assert.Empty(t, ScanValueForLFI("hello-world-2024"))
}

func TestScanValueForNullByte(t *testing.T) {
	assert.True(t, ScanValueForNullByte("file.php%00.jpg"))
	assert.True(t, ScanValueForNullByte("file.php\x00.jpg"))
	assert.False(t, ScanValueForNullByte("file.jpg"))
}

func TestScanPostDataFlagsSuspiciousParamName(t *testing.T) {
	threat := ScanPostData(map[string]string{"template": "../../etc/passwd"})
	if assert.NotNil(t, threat) {
		assert.Equal(t, "lfi_suspicious_param", threat.Threat)
		assert.Equal(t, "template", threat.Param)
	}
}

func TestScanPostDataFlagsLFIInAnyField(t *testing.T) {
	threat := ScanPostData(map[string]string{"comment": "see /etc/passwd for details"})
	if assert.NotNil(t, threat) {
		assert.Equal(t, "lfi_value", threat.Threat)
	}
}

func TestScanPostDataFlagsNullByte(t *testing.T) {
	threat := ScanPostData(map[string]string{"name": "foo%00bar"})
	if assert.NotNil(t, threat) {
		assert.Equal(t, "null_byte", threat.Threat)
	}
}

func TestScanPostDataReturnsNilForCleanData(t *testing.T) {
	threat := ScanPostData(map[string]string{"name": "Jane Doe", "email": "jane@example.com"})
	assert.Nil(t, threat)
}
