package shared

import (
	"errors"
	"testing"
)

func TestClassifyProviderError_Permission(t *testing.T) {
	err := errors.New(`{"code":99991672,"msg":"permission denied, please grant at https://open.feishu.cn/grant"}`)
	if got := ClassifyProviderError(err); got != ErrorClassPermission {
		t.Fatalf("expected ErrorClassPermission, got %q", got)
	}
}

func TestClassifyProviderError_Transient(t *testing.T) {
	cases := []error{
		errors.New("dial tcp: connection refused"),
		errors.New("context deadline exceeded"),
		errors.New("request timed out"),
		errors.New("unexpected EOF"),
	}
	for _, err := range cases {
		if got := ClassifyProviderError(err); got != ErrorClassTransient {
			t.Errorf("ClassifyProviderError(%q) = %q, want ErrorClassTransient", err, got)
		}
	}
}

func TestClassifyProviderError_Unknown(t *testing.T) {
	if got := ClassifyProviderError(errors.New("something else went wrong")); got != ErrorClassUnknown {
		t.Fatalf("expected ErrorClassUnknown, got %q", got)
	}
}

func TestClassifyProviderError_Nil(t *testing.T) {
	if got := ClassifyProviderError(nil); got != ErrorClassUnknown {
		t.Fatalf("expected ErrorClassUnknown for nil, got %q", got)
	}
}

func TestExtractGrantURL_Present(t *testing.T) {
	err := errors.New("permission denied, grant at https://open.feishu.cn/grant?app=1 now")
	if got := ExtractGrantURL(err); got != "https://open.feishu.cn/grant?app=1" {
		t.Fatalf("unexpected grant URL: %q", got)
	}
}

func TestExtractGrantURL_Absent(t *testing.T) {
	if got := ExtractGrantURL(errors.New("permission denied")); got != "" {
		t.Fatalf("expected empty grant URL, got %q", got)
	}
}

func TestExtractGrantURL_Nil(t *testing.T) {
	if got := ExtractGrantURL(nil); got != "" {
		t.Fatalf("expected empty grant URL for nil, got %q", got)
	}
}
