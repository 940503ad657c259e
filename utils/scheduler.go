package utils

import "golang.org/x/sync/errgroup"

// ParallelScheduler 决定一组相互独立的任务怎么跑
// 库自己不起后台goroutine,落盘和压缩的并行度都从这里注入,默认串行
type ParallelScheduler interface {
	// ForEach 对[0,n)的每个下标执行一次fn,等全部结束后返回第一个错误
	ForEach(n int, fn func(i int) error) error
}

// SerialScheduler 在调用方goroutine里顺序执行,出错立即停
type SerialScheduler struct{}

func (SerialScheduler) ForEach(n int, fn func(i int) error) error {
	for i := 0; i < n; i++ {
		if err := fn(i); err != nil {
			return err
		}
	}
	return nil
}

// GroupScheduler 用errgroup并发执行,Limit<=0表示不限并发
type GroupScheduler struct {
	Limit int
}

func (s GroupScheduler) ForEach(n int, fn func(i int) error) error {
	var g errgroup.Group
	if s.Limit > 0 {
		g.SetLimit(s.Limit)
	}
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return fn(i)
		})
	}
	return g.Wait()
}
