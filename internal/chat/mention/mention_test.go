package mention

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMentions_FirstSeenOrderDeduplicated(t *testing.T) {
	got := ParseMentions("hey @alice can you loop in @bob? thanks @alice")
	require.Equal(t, []string{"alice", "bob"}, got)
}

func TestParseMentions_SkipsPrecededByBoundaryClass(t *testing.T) {
	got := ParseMentions("my email is foo@bar.com and user_name@claude")
	require.Empty(t, got)
}

func TestParseMentions_EmptyHandleIgnored(t *testing.T) {
	got := ParseMentions("trailing mention @ with no handle")
	require.Empty(t, got)
}

func TestParseMentions_Unicode(t *testing.T) {
	got := ParseMentions("@日本語 and @agent-1")
	require.Equal(t, []string{"日本語", "agent-1"}, got)
}

func TestParseSendMessageDirectives_BraceAndNonBraceForms(t *testing.T) {
	got := ParseSendMessageDirectives("please [sendMessageTo@@coder] then [sendMessageTo@@{reviewer}]")
	require.Equal(t, []string{"coder", "reviewer"}, got)
}

func TestParseSendMessageDirectives_IgnoresPlainMentionsAndYou(t *testing.T) {
	got := ParseSendMessageDirectives("@coder please look, [sendMessageTo@@you] [sendMessageTo@@coder]")
	require.Equal(t, []string{"coder"}, got)
}

func TestParseSendMessageDirectives_UnbalancedBracketsSkipped(t *testing.T) {
	got := ParseSendMessageDirectives("broken [sendMessageTo@@coder and more text")
	require.Empty(t, got)
}

func TestParseSendMessageDirectives_Deduplicates(t *testing.T) {
	got := ParseSendMessageDirectives("[sendMessageTo@@coder] [sendMessageTo@@coder]")
	require.Equal(t, []string{"coder"}, got)
}
