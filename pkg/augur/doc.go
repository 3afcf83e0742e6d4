// Package augur connects to an Augur analytics database (schema augur_data)
// and answers repository lookups.
//
//	mgr, err := augur.NewManager(augur.ConnectionConfig{
//		PrimaryURL:  cfg.Augur.URL,
//		ReplicaURLs: augur.ParseReplicaURLs(cfg.Augur.ReplicaURLs),
//		MaxConns:    cfg.Augur.MaxConns,
//	})
//	if errors.Is(err, augur.ErrIncompleteEnvironment) {
//		// no database configured
//	}
//	repos, err := mgr.SearchRepos(ctx, "kubernetes", 20)
//
// Reads go to Reader(), which round-robins over healthy replicas. Writes
// (materialized view refreshes) always use the primary.
package augur
