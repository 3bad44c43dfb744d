// Package testdb provides helpers for PostgreSQL integration tests.
//
// Tests run only when a database URL is present in the environment
// (DATABASE_URL, SCRY_TEST_DB_URL or SCRY_DATABASE_URL) and skip otherwise.
// The schema is migrated once per test binary with the embedded goose
// migrations. Each test then works inside its own transaction, which is
// rolled back when the test finishes:
//
//	func TestSomething(t *testing.T) {
//	    db := testdb.GetTestDBWithT(t)
//	    testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
//	        tasks := postgres.NewTaskStore(tx, nil)
//	        // ...
//	    })
//	}
package testdb
