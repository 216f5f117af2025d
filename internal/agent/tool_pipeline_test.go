package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/clawdbot/coreloop/pkg/models"
)

type stubExecutor struct {
	calls   int
	results map[string]models.ToolResult
}

func (s *stubExecutor) Execute(ctx context.Context, name string, params json.RawMessage) (models.ToolResult, error) {
	s.calls++
	if r, ok := s.results[name]; ok {
		return r, nil
	}
	return models.ToolResult{Tool: name, Params: params, Success: true, Payload: "ok"}, nil
}

func TestParseFencedCalls_ExtractsToolAndParams(t *testing.T) {
	text := "Sure, here:\n```tool\n{\"tool\":\"search\",\"params\":{\"q\":\"go\"}}\n```\n"
	calls := ParseFencedCalls(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "search" {
		t.Fatalf("expected tool name search, got %q", calls[0].Name)
	}
}

func TestParseFencedCalls_AcceptsNameAndArgumentsAliases(t *testing.T) {
	text := "```json\n{\"name\":\"write_file\",\"arguments\":{\"path\":\"a.txt\"}}\n```"
	calls := ParseFencedCalls(text)
	if len(calls) != 1 || calls[0].Name != "write_file" {
		t.Fatalf("expected write_file via name/arguments aliases, got %+v", calls)
	}
}

func TestParseFencedCalls_MultipleBlocks(t *testing.T) {
	text := "```json\n{\"tool\":\"a\",\"params\":{}}\n```\nsome text\n```json\n{\"tool\":\"b\",\"params\":{}}\n```"
	calls := ParseFencedCalls(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls from 2 fenced blocks, got %d", len(calls))
	}
}

func TestDedup_DropsIdenticalSignatures(t *testing.T) {
	calls := []models.ToolCall{
		{Name: "search", Params: json.RawMessage(`{"q":"go"}`)},
		{Name: "search", Params: json.RawMessage(`{"q":"go"}`)},
		{Name: "search", Params: json.RawMessage(`{"q":"rust"}`)},
	}
	deduped := Dedup(calls)
	if len(deduped) != 2 {
		t.Fatalf("expected 2 distinct calls after dedup, got %d", len(deduped))
	}
}

func TestDedup_IsIdempotent(t *testing.T) {
	calls := []models.ToolCall{
		{Name: "a", Params: json.RawMessage(`{}`)},
		{Name: "a", Params: json.RawMessage(`{}`)},
	}
	once := Dedup(calls)
	twice := Dedup(once)
	if len(once) != len(twice) {
		t.Fatalf("Dedup should be idempotent: once=%d twice=%d", len(once), len(twice))
	}
}

func TestBrowserCap_LimitsToTwoPerResponse(t *testing.T) {
	calls := []models.ToolCall{
		{Name: "navigate", Params: json.RawMessage(`{}`)},
		{Name: "click", Params: json.RawMessage(`{}`)},
		{Name: "type", Params: json.RawMessage(`{}`)},
	}
	kept, capped := BrowserCap(calls)
	if len(kept) != 2 || len(capped) != 1 {
		t.Fatalf("expected 2 kept / 1 capped, got kept=%d capped=%d", len(kept), len(capped))
	}
}

func TestBrowserCap_NonBrowserCallsNeverCapped(t *testing.T) {
	calls := []models.ToolCall{
		{Name: "read_file", Params: json.RawMessage(`{}`)},
		{Name: "read_file", Params: json.RawMessage(`{"x":1}`)},
		{Name: "read_file", Params: json.RawMessage(`{"x":2}`)},
	}
	kept, capped := BrowserCap(calls)
	if len(kept) != 3 || len(capped) != 0 {
		t.Fatalf("expected all 3 kept, got kept=%d capped=%d", len(kept), len(capped))
	}
}

func TestWriteDefer_DefersWritesBatchedWithGathers(t *testing.T) {
	calls := []models.ToolCall{
		{Name: "web_search", Params: json.RawMessage(`{}`)},
		{Name: "write_file", Params: json.RawMessage(`{}`)},
	}
	kept, deferred := WriteDefer(calls, false)
	if len(deferred) != 1 || deferred[0].Name != "write_file" {
		t.Fatalf("expected write_file deferred, got %+v", deferred)
	}
	if len(kept) != 1 || kept[0].Name != "web_search" {
		t.Fatalf("expected web_search kept, got %+v", kept)
	}
}

func TestWriteDefer_TinyModelSkipsDeferral(t *testing.T) {
	calls := []models.ToolCall{
		{Name: "web_search", Params: json.RawMessage(`{}`)},
		{Name: "write_file", Params: json.RawMessage(`{}`)},
	}
	kept, deferred := WriteDefer(calls, true)
	if len(deferred) != 0 {
		t.Fatalf("expected no deferral for a tiny model, got %+v", deferred)
	}
	if len(kept) != 2 {
		t.Fatalf("expected both calls kept for a tiny model, got %d", len(kept))
	}
}

func TestWriteDefer_NoGatheringMeansNoDeferral(t *testing.T) {
	calls := []models.ToolCall{
		{Name: "write_file", Params: json.RawMessage(`{}`)},
	}
	kept, deferred := WriteDefer(calls, false)
	if len(deferred) != 0 || len(kept) != 1 {
		t.Fatalf("a lone write call should never be deferred, got kept=%d deferred=%d", len(kept), len(deferred))
	}
}

func TestRepair_RecoversEmptyWriteContentFromAdjacentBlock(t *testing.T) {
	text := "```\nfile contents here\n```\n```json\n{\"tool\":\"write_file\",\"params\":{\"path\":\"a.txt\",\"content\":\"\"}}\n```"
	calls := ParseFencedCalls(text)
	repaired := Repair(calls, text)
	if len(repaired) != 1 {
		t.Fatalf("expected the call to be repaired, not dropped, got %d", len(repaired))
	}
	var params map[string]any
	_ = json.Unmarshal(repaired[0].Params, &params)
	if params["content"] != "file contents here" {
		t.Fatalf("expected recovered content, got %+v", params)
	}
}

func TestRepair_DropsUnrecoverableWriteCall(t *testing.T) {
	calls := []models.ToolCall{
		{Name: "write_file", Params: json.RawMessage(`{"path":"a.txt","content":""}`)},
	}
	repaired := Repair(calls, "no adjacent code block here")
	if len(repaired) != 0 {
		t.Fatalf("expected an unrecoverable write_file call to be dropped, got %+v", repaired)
	}
}

func TestRepair_NormalizesBareURL(t *testing.T) {
	calls := []models.ToolCall{
		{Name: "fetch_webpage", Params: json.RawMessage(`{"url":"example.com/page"}`)},
	}
	repaired := Repair(calls, "")
	var params map[string]any
	_ = json.Unmarshal(repaired[0].Params, &params)
	if params["url"] != "https://example.com/page" {
		t.Fatalf("expected scheme to be added, got %v", params["url"])
	}
}

func TestNormalizeParams_ScrubsControlChars(t *testing.T) {
	calls := []models.ToolCall{
		{Name: "write_file", Params: json.RawMessage(`{"path":"ab.txt"}`)},
	}
	normalized := NormalizeParams(calls)
	var params map[string]any
	_ = json.Unmarshal(normalized[0].Params, &params)
	if params["path"] != "ab.txt" {
		t.Fatalf("expected control char scrubbed, got %q", params["path"])
	}
}

func TestToolPipeline_ProcessExecutesParsedCalls(t *testing.T) {
	exec := &stubExecutor{results: map[string]models.ToolResult{}}
	p := NewToolPipeline(exec, nil, PipelineConfig{})

	text := "```json\n{\"tool\":\"search\",\"params\":{\"q\":\"go\"}}\n```"
	out := p.Process(context.Background(), nil, text)

	if len(out.Calls) != 1 || out.Calls[0].Name != "search" {
		t.Fatalf("expected 1 parsed call, got %+v", out.Calls)
	}
	if len(out.Results) != 1 || !out.Results[0].Success {
		t.Fatalf("expected 1 successful result, got %+v", out.Results)
	}
	if exec.calls != 1 {
		t.Fatalf("expected executor invoked once, got %d", exec.calls)
	}
}

func TestToolPipeline_NativeCallsSkipTextParsing(t *testing.T) {
	exec := &stubExecutor{results: map[string]models.ToolResult{}}
	p := NewToolPipeline(exec, nil, PipelineConfig{})

	native := []models.ToolCall{{Name: "read_file", Params: json.RawMessage(`{"path":"x"}`)}}
	out := p.Process(context.Background(), native, "I will read the file now.")

	if len(out.Calls) != 1 || out.Calls[0].Name != "read_file" {
		t.Fatalf("expected the native call to pass through unchanged, got %+v", out.Calls)
	}
}

func TestFormatSkipped_EmptyWhenNothingSkipped(t *testing.T) {
	if FormatSkipped(nil, nil) != "" {
		t.Fatalf("expected empty string when nothing was capped or deferred")
	}
}
