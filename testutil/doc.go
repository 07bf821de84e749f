/*
Package testutil boots in-process aggregator pairs for tests that need the
full HTTP surface without external processes.

A pair is a leader and a helper on loopback listeners, wired to talk to
each other the way deployed aggregators would:

	pair, err := testutil.StartPair()
	require.NoError(t, err)
	defer pair.Close()

	cfg := interop.Default()
	cfg.Leader = pair.LeaderURL
	cfg.Helper = pair.HelperURL

Options shape the pair's behavior, for instance forcing several processing
rounds before a collection job becomes satisfiable:

	pair, err := testutil.StartPair(testutil.WithSweepQuota(1))
*/
package testutil
