// Package rerun repeats flaky test bodies under a retry policy inside go test.
//
// A sample rerun looks like this:
//
//	func TestX(t *testing.T) {
//	    rerun.Test(t, retry.Policy{Repeats: 3}, func(r *rerun.R) {
//	        if err := foo(); err != nil {
//	            r.Fatal("foo: ", err)
//	        }
//	    })
//	}
//
// Every attempt gets a fresh R. The test fails only when the policy's
// verdict is failed, and the output of the failing attempts is logged.
package rerun
