package domain

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guillermoBallester/sqlwarden/internal/tsql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryValidator_Accepts(t *testing.T) {
	t.Parallel()
	v := NewQueryValidator(0)

	queries := []string{
		"SELECT 1",
		"SELECT * FROM users",
		"SELECT id, name FROM users WHERE id = 42",
		"WITH cte AS (SELECT id FROM users) SELECT * FROM cte",
		"WITH a AS (SELECT 1 AS x), b AS (SELECT x FROM a) SELECT * FROM b",
		"SELECT * FROM (SELECT id FROM users) AS sub",
		"SELECT 1 -- this is a comment",
		"SELECT /* a comment */ 1",
		"SELECT * FROM users WHERE name = 'Alice'",
		"SELECT * FROM users WHERE name = 'O''Brien'",
		"sElEcT 1",
		"   \t\n  SELECT 1",
		"SELECT 1;",
		"SELECT * FROM users WHERE status = 'DELETE'",
		"SELECT /* DROP TABLE users */ 1",
		"SELECT 1 -- DROP TABLE users",
		"SELECT * FROM users WHERE notes = 'inserted into table'",
		"SELECT /* outer /* inner */ still in outer */ 1",
		"SELECT /* a /* b /* c */ b */ a */ 1",
		"SELECT /* /* DROP TABLE users */ */ 1",
		"SELECT u.id, o.total FROM users u INNER JOIN orders o ON u.id = o.user_id",
		"SELECT status, COUNT(*) FROM users GROUP BY status HAVING COUNT(*) > 1",
		"SELECT id FROM users UNION ALL SELECT id FROM admins",
		"SELECT 1 UNION ALL SELECT 2",
		"SELECT 1 INTERSECT SELECT 2",
		"SELECT 1 EXCEPT SELECT 2",
		"WITH cte AS (SELECT 1 AS x) SELECT x FROM cte UNION ALL SELECT 2",
		"SELECT * FROM t WHERE id IN (SELECT id FROM s)",
		"SELECT * FROM OtherDb.dbo.Users",
		"SELECT * FROM dbo.Users",
		"SELECT * FROM Users",
		"SELECT * FROM users OPTION (RECOMPILE)",
		"SELECT * FROM users u INNER JOIN orders o ON u.id = o.user_id OPTION (HASH JOIN)",
		"SELECT * FROM [Empleados_étranger]",
		"SELECT * FROM (SELECT id, name FROM users) AS sub WHERE name LIKE '%test%'",
		"WITH cte AS (SELECT 1 AS x UNION ALL SELECT x + 1 FROM cte WHERE x < 10) SELECT * FROM cte",
		"SELECT 'OPENROWSET(x)' AS s, 'a.b.c.d' AS n -- OPTION (MAXRECURSION 0)",
		"SELECT * FROM db..Users",
		"SELECT * FROM OPENJSON(@j) WITH (id int '$.id')",
		"SELECT j.id, j.tags FROM OPENJSON(@j, '$.items') WITH (id int '$.id', name nvarchar(100), tags nvarchar(max) '$.tags' AS JSON) AS j",
		"SELECT a FROM t WHERE CONTAINS((a, b), 'x')",
		"SELECT a FROM t WHERE FREETEXT((a, b), 'x', LANGUAGE 1033)",
		"SELECT a FROM t WHERE CONTAINS(a, 'x', LANGUAGE 'English')",
		"SELECT * FROM CONTAINSTABLE(t, (a, b), 'x') AS ct",
		"SELECT a.name FROM a, b, c WHERE MATCH(a-(b)->c)",
		"SELECT p1.name FROM Person p1, Likes l, Person p2, Likes l2, Person p3 WHERE MATCH(p1-(l)->p2 AND p3<-(l2)-p2)",
	}
	for _, q := range queries {
		assert.NoError(t, v.Validate(q), q)
	}
}

func TestQueryValidator_LongOrChain(t *testing.T) {
	t.Parallel()
	terms := make([]string, 200)
	for i := range terms {
		terms[i] = fmt.Sprintf("id = %d", i+1)
	}
	assert.NoError(t, NewQueryValidator(0).Validate("SELECT * FROM users WHERE "+strings.Join(terms, " OR ")))
}

func TestQueryValidator_RejectsNonSelect(t *testing.T) {
	t.Parallel()
	v := NewQueryValidator(0)

	queries := []string{
		"INSERT INTO users VALUES (1)",
		"UPDATE users SET name = 'x'",
		"DELETE FROM users",
		"delete from users",
		"DROP TABLE users",
		"ALTER TABLE users ADD col INT",
		"CREATE TABLE t (id INT)",
		"TRUNCATE TABLE users",
		"EXEC sp_help",
		"EXECUTE sp_help",
		"exec sp_help",
		"MERGE INTO t USING s ON t.id = s.id WHEN MATCHED THEN UPDATE SET t.x = s.x;",
		"DBCC CHECKDB",
		"SHUTDOWN",
		"BACKUP DATABASE master TO DISK = 'x'",
		"RESTORE DATABASE master FROM DISK = 'x'",
		"GRANT SELECT ON dbo.Users TO public",
		"REVOKE SELECT ON dbo.Users FROM public",
		"DENY SELECT ON dbo.Users TO public",
		"SET NOCOUNT ON",
		"DECLARE @x INT = 1",
		"PRINT 'hello'",
		"BULK INSERT dbo.t FROM 'file.csv'",
		"WAITFOR DELAY '00:00:10'",
		"WITH c AS (SELECT 1 AS id) DELETE FROM users WHERE id IN (SELECT id FROM c)",
	}
	for _, q := range queries {
		err := v.Validate(q)
		require.Error(t, err, q)
		assert.ErrorIs(t, err, ErrNotAllowed, q)
		assert.Contains(t, err.Error(), "Only SELECT queries are allowed.", q)
	}
}

func TestQueryValidator_NotSelectMessage(t *testing.T) {
	t.Parallel()
	v := NewQueryValidator(0)
	tests := map[string]string{
		"EXEC sp_help":                   "Only SELECT queries are allowed. Found statement of kind EXECUTE.",
		"INSERT INTO users VALUES (1)":   "Only SELECT queries are allowed. Found statement of kind INSERT.",
		"BULK INSERT dbo.t FROM 'x.csv'": "Only SELECT queries are allowed. Found statement of kind BULK INSERT.",
		"IF 1 = 1 SELECT 1":              "Only SELECT queries are allowed. Found statement of kind control-of-flow.",
	}
	for sql, want := range tests {
		assert.EqualError(t, v.Validate(sql), want, sql)
	}
}

func TestQueryValidator_Prepare(t *testing.T) {
	t.Parallel()
	v := NewQueryValidator(0)
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{"plain", "SELECT 1", "SELECT 1"},
		{"trailing go", "SELECT 1\nGO", "SELECT 1"},
		{"go with count and blank batches", "GO\nSELECT a FROM t;\nGO 2\n", "SELECT a FROM t"},
		{"comments and semicolon", "-- top\n/* c */ SELECT 'é' AS x; -- tail", "SELECT 'é' AS x"},
		{"cte and option", "WITH c AS (SELECT 1 AS n) SELECT n FROM c OPTION (MAXRECURSION 10);\nGO", "WITH c AS (SELECT 1 AS n) SELECT n FROM c OPTION (MAXRECURSION 10)"},
		{"inner comment kept", "SELECT 1 /* keep */ + 2", "SELECT 1 /* keep */ + 2"},
		{"parenthesised", "(SELECT 1) UNION (SELECT 2)\r\ngo", "(SELECT 1) UNION (SELECT 2)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := v.Prepare(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := v.Prepare("DELETE FROM t\nGO")
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestQueryValidator_RejectsMultipleStatements(t *testing.T) {
	t.Parallel()
	v := NewQueryValidator(0)

	queries := []string{
		"SELECT 1; SELECT 2",
		"SELECT 1 SELECT 2",
		"SELECT 1 SELECT 2 SELECT 3",
		"SELECT 1\nGO\nSELECT 2",
		"SELECT 1; EXEC xp_cmdshell 'whoami'",
		"SELECT 1; WAITFOR DELAY '00:00:10'",
		"SELECT 1; GRANT ALL TO public",
		"SELECT 1; REVOKE ALL FROM public",
		"SELECT * FROM users WHERE name = '\n-- ' ; DROP TABLE audit_log; SELECT '\n'",
		"SELECT * FROM t WHERE x = '\n-- ' ; EXEC xp_cmdshell 'whoami'; SELECT '\n'",
		"SELECT * FROM t WHERE x = '/* ' ; DROP TABLE t; SELECT ' */'",
	}
	for _, q := range queries {
		err := v.Validate(q)
		assert.ErrorIs(t, err, ErrMultiStatement, q)
	}
	assert.Equal(t,
		"Multiple SQL statements are not allowed. Please provide a single SELECT query.",
		v.Validate("SELECT 1 SELECT 2").Error())
}

func TestQueryValidator_RejectsSelectInto(t *testing.T) {
	t.Parallel()
	v := NewQueryValidator(0)

	queries := []string{
		"SELECT * INTO #stolen_data FROM credit_cards",
		"SELECT * INTO exfil_table FROM passwords",
		"SELECT * InTo #t FROM users",
		"SELECT * INTO ##global FROM users",
		"SELECT id INTO dbo.copy FROM users UNION SELECT id FROM admins",
		"WITH c AS (SELECT 1 AS x) SELECT x INTO #t FROM c",
	}
	for _, q := range queries {
		err := v.Validate(q)
		assert.ErrorIs(t, err, ErrSelectInto, q)
	}
	assert.Equal(t,
		"SELECT INTO is not allowed. Only read-only SELECT queries are permitted.",
		v.Validate("SELECT * INTO #t FROM users").Error())
}

func TestQueryValidator_RejectsForbiddenConstructs(t *testing.T) {
	t.Parallel()
	v := NewQueryValidator(0)

	tests := []struct {
		name string
		sql  string
		msg  string
	}{
		{"four-part quoted", "SELECT * FROM [LinkedServer].[Database].[dbo].[Table1]", msgLinkedServer},
		{"four-part unquoted", "SELECT * FROM LinkedServer.Database.dbo.Table1", msgLinkedServer},
		{"four-part in join", "SELECT * FROM local_table t INNER JOIN [RemoteServer].[db].[dbo].[t2] r ON t.id = r.id", msgLinkedServer},
		{"four-part with empty parts", "SELECT * FROM srv...t", msgLinkedServer},
		{"four-part in subquery", "SELECT * FROM t WHERE id IN (SELECT id FROM s.d.o.t)", msgLinkedServer},
		{"four-part in cte", "WITH c AS (SELECT * FROM s.d.o.t) SELECT * FROM c", msgLinkedServer},
		{"four-part function", "SELECT * FROM s.d.o.fn(1)", msgLinkedServer},
		{"openrowset", "SELECT * FROM OPENROWSET('SQLNCLI', 'server', 'query')", "OPENROWSET is not allowed."},
		{"openquery", "SELECT * FROM OPENQUERY(LinkedSrv, 'SELECT 1')", "OPENQUERY is not allowed."},
		{"opendatasource", "SELECT * FROM OPENDATASOURCE('SQLNCLI', 'Data Source=srv;Integrated Security=SSPI')...Table1", "OPENDATASOURCE is not allowed."},
		{"openxml", "SELECT * FROM OPENXML(@hdoc, '/root/row')", "OPENXML is not allowed."},
		{"openrowset in exists", "SELECT 1 WHERE EXISTS (SELECT 1 FROM OPENROWSET('a', 'b', 'c') AS r)", "OPENROWSET is not allowed."},
		{"maxrecursion zero", "WITH cte AS (SELECT 1 AS x UNION ALL SELECT x+1 FROM cte) SELECT * FROM cte OPTION (MAXRECURSION 0)", msgMaxRecursion},
		{"maxrecursion large", "WITH cte AS (SELECT 1 AS x UNION ALL SELECT x+1 FROM cte) SELECT TOP 10 * FROM cte OPTION (MAXRECURSION 32767)", msgMaxRecursion},
		{"maxrecursion small", "WITH cte AS (SELECT 1 AS x UNION ALL SELECT x+1 FROM cte) SELECT TOP 10 * FROM cte OPTION (MAXRECURSION 50)", msgMaxRecursion},
		{"maxrecursion after other hint", "SELECT 1 OPTION (RECOMPILE, maxrecursion 5)", msgMaxRecursion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := v.Validate(tt.sql)
			require.ErrorIs(t, err, ErrForbiddenConstruct)
			assert.Equal(t, tt.msg, err.Error())
		})
	}
}

func TestQueryValidator_FirstViolationWins(t *testing.T) {
	t.Parallel()
	v := NewQueryValidator(0)

	err := v.Validate("SELECT * FROM OPENQUERY(L, 'x') q JOIN a.b.c.d t ON 1 = 1 OPTION (MAXRECURSION 1)")
	assert.Equal(t, "OPENQUERY is not allowed.", err.Error())

	err = v.Validate("SELECT * FROM a.b.c.d t JOIN OPENQUERY(L, 'x') q ON 1 = 1")
	assert.Equal(t, msgLinkedServer, err.Error())
}

func TestQueryValidator_EmptyInput(t *testing.T) {
	t.Parallel()
	v := NewQueryValidator(0)

	for _, q := range []string{"", "   \t\n  "} {
		err := v.Validate(q)
		assert.ErrorIs(t, err, ErrEmptyQuery)
		assert.Equal(t, "Query cannot be empty.", err.Error())
	}

	for _, q := range []string{"-- just a comment", "/* nothing */", ";", ";;"} {
		assert.ErrorIs(t, v.Validate(q), ErrNoStatements, q)
	}
}

func TestQueryValidator_ParseError(t *testing.T) {
	t.Parallel()
	v := NewQueryValidator(0)

	err := v.Validate("SELECT FROM users")
	require.ErrorIs(t, err, ErrParseFailed)
	assert.Equal(t, "SQL parse error: line 1, column 8: Incorrect syntax near 'FROM'.", err.Error())

	err = v.Validate("SELECT 'unterminated")
	require.ErrorIs(t, err, ErrParseFailed)
	assert.Contains(t, err.Error(), "Unclosed quotation mark")

	err = v.Validate("SELECT * FROM a.b.c.d.e")
	assert.ErrorIs(t, err, ErrParseFailed)
}

func TestQueryValidator_MaxLength(t *testing.T) {
	t.Parallel()

	err := NewQueryValidator(0).Validate("SELECT " + strings.Repeat("x", 1_000_001))
	require.ErrorIs(t, err, ErrQueryTooLong)
	assert.Contains(t, err.Error(), "maximum allowed length")

	v := NewQueryValidator(10)
	assert.NoError(t, v.Validate("SELECT 123"))
	assert.ErrorIs(t, v.Validate("SELECT 1234"), ErrQueryTooLong)

	// Characters, not bytes.
	assert.NoError(t, v.Validate("SELECT 'é'"))

	// Checked before parsing: garbage over the limit is too_long, not parse_error.
	assert.ErrorIs(t, v.Validate("((((((((((((("), ErrQueryTooLong)
}

func TestQueryValidator_DeepNestingIsCheap(t *testing.T) {
	t.Parallel()
	v := NewQueryValidator(0)

	// Just under the length ceiling.
	n := (DefaultMaxQueryLength - len("SELECT 1")) / 2
	start := time.Now()
	err := v.Validate("SELECT " + strings.Repeat("(", n) + "1" + strings.Repeat(")", n))
	require.ErrorIs(t, err, ErrParseFailed)
	assert.Contains(t, err.Error(), "nested too deeply")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestQueryValidator_ManyNestedSubqueriesIsCheap(t *testing.T) {
	t.Parallel()
	v := NewQueryValidator(0)

	// ((((SELECT 1)+1)+1)+1) repeated to about a megabyte.
	const depth = 100
	group := strings.Repeat("(", depth) + "SELECT 1)" + strings.Repeat("+1)", depth-1)
	groups := make([]string, (DefaultMaxQueryLength-len("SELECT "))/(len(group)+1))
	for i := range groups {
		groups[i] = group
	}
	sql := "SELECT " + strings.Join(groups, "+")
	require.LessOrEqual(t, len(sql), DefaultMaxQueryLength)

	start := time.Now()
	require.NoError(t, v.Validate(sql))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestQueryValidator_Idempotent(t *testing.T) {
	t.Parallel()
	v := NewQueryValidator(0)

	for _, q := range []string{
		"SELECT 1",
		"SELECT 1 SELECT 2",
		"SELECT * FROM [Srv].[Db].[dbo].[T]",
		"SELECT * INTO #t FROM dbo.Users",
		"SELECT FROM",
	} {
		first := v.Validate(q)
		for range 5 {
			again := v.Validate(q)
			if first == nil {
				assert.NoError(t, again)
				continue
			}
			require.Error(t, again)
			assert.Equal(t, first.Error(), again.Error())
		}
	}
}

func TestQueryValidator_ConcurrentUse(t *testing.T) {
	t.Parallel()
	v := NewQueryValidator(0)

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- v.Validate(fmt.Sprintf("SELECT %d FROM dbo.Users", i))
		}()
		go func() {
			defer wg.Done()
			if err := v.Validate("DROP TABLE users"); !errors.Is(err, ErrNotAllowed) {
				errs <- fmt.Errorf("unexpected verdict: %v", err)
				return
			}
			errs <- nil
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestQueryValidator_Verdicts(t *testing.T) {
	t.Parallel()
	v := NewQueryValidator(0)

	assert.ErrorIs(t, v.Validate("SELECT 1 SELECT 2"), ErrMultiStatement)
	assert.NoError(t, v.Validate("SELECT * FROM dbo.Users"))
	assert.ErrorIs(t, v.Validate("SELECT * FROM [Srv].[Db].[dbo].[T]"), ErrForbiddenConstruct)
	assert.NoError(t, v.Validate("SELECT 1 -- DROP TABLE x"))
	assert.ErrorIs(t, v.Validate("SELECT * INTO #t FROM dbo.Users"), ErrSelectInto)
}

// unclassified is a node the scanner has never heard of.
type unclassified struct {
	tsql.Star
}

func TestScan_UnknownNodeIsInternalError(t *testing.T) {
	t.Parallel()
	err := scan(&unclassified{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInternal)

	_, isRejection := AsRejection(err)
	assert.False(t, isRejection, "internal failures must not look like rejections")
}

func TestRejection_Is(t *testing.T) {
	t.Parallel()
	r := &Rejection{Code: CodeNotSelect, Message: "custom"}
	assert.ErrorIs(t, r, ErrNotAllowed)
	assert.NotErrorIs(t, r, ErrSelectInto)

	wrapped := fmt.Errorf("outer: %w", r)
	got, ok := AsRejection(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeNotSelect, got.Code)
}

func TestServerNotFoundError(t *testing.T) {
	t.Parallel()
	err := error(&ServerNotFoundError{Name: "prod"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "Server 'prod' not found. Use list_servers to see available names.", err.Error())
}
